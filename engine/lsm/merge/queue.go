package merge

import (
	"sync"

	"github.com/xmh1011/go-tps/engine/lsm/memtable"
)

// memTableQueue 是无界的先进先出队列，写入路径投递写满的 MemTable，
// 合并线程阻塞取出。背压由写入路径的 MemTable 大小上限负责，这里不设容量。
type memTableQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*memtable.MemTable
	busy   bool // 消费者正在处理取走的缓冲
	closed bool
}

func newMemTableQueue() *memTableQueue {
	q := &memTableQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Offer 入队，队列已关闭时返回 false
func (q *memTableQueue) Offer(mt *memtable.MemTable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, mt)
	q.cond.Signal()
	return true
}

// Take 阻塞直到取出一个 MemTable，并在同一临界区内置忙，
// 让 IsMerging 观察不到"已出队、尚未开始处理"的间隙。
// 队列关闭后先把已入队的缓冲取完，取空才返回 false，
// 保证关停前最后一次 Flush 的缓冲不会丢。
func (q *memTableQueue) Take() (*memtable.MemTable, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.items) == 0 {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	mt := q.items[0]
	q.items = q.items[1:]
	q.busy = true
	return mt, true
}

// Done 标记当前缓冲处理完毕，与 Take 配对
func (q *memTableQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
}

// Len 返回排队中的缓冲数
func (q *memTableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsIdle 返回队列为空且没有正在处理的缓冲
func (q *memTableQueue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.busy && len(q.items) == 0
}

// Close 关闭队列并唤醒阻塞的消费者
func (q *memTableQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
