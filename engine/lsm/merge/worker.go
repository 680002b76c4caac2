package merge

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xmh1011/go-tps/engine/lsm/key"
	"github.com/xmh1011/go-tps/engine/lsm/memtable"
	"github.com/xmh1011/go-tps/engine/lsm/meta"
	"github.com/xmh1011/go-tps/pkg/log"
)

// TaskSource 按属性产出合并任务，由属性仓库实现。
// 缓冲为空时返回 nil 任务。
type TaskSource interface {
	Merge(propertyID uint32, mem *memtable.MemTable) (*Task, error)
}

// Worker 是每个存储实例唯一的后台合并线程。
// 写入路径把写满的 MemTable 投递到无界队列，线程逐个取出，按属性拆分后
// 对每个属性执行一次合并任务：文件构建全部在锁外完成，之后拿独占元信息锁
// 批量生效全部任务的元信息变更并落盘一次，最后在锁外回收过期文件。
type Worker struct {
	root    string
	queue   *memTableQueue
	sysMeta *meta.SystemMeta
	source  TaskSource
	metrics *Metrics

	started atomic.Bool
	wg      sync.WaitGroup
}

// NewWorker 创建合并线程，metrics 可以为 nil
func NewWorker(root string, sysMeta *meta.SystemMeta, source TaskSource, metrics *Metrics) *Worker {
	return &Worker{
		root:    root,
		queue:   newMemTableQueue(),
		sysMeta: sysMeta,
		source:  source,
		metrics: metrics,
	}
}

// Offer 把一个写满的 MemTable 交给合并线程
func (w *Worker) Offer(mt *memtable.MemTable) {
	if !w.queue.Offer(mt) {
		log.Warn("[MergeWorker] Offer after interrupt, memtable dropped")
		return
	}
	if w.metrics != nil {
		w.metrics.QueueLength.Set(float64(w.queue.Len()))
	}
}

// IsMerging 返回是否有正在进行或排队的合并
func (w *Worker) IsMerging() bool {
	return !w.queue.IsIdle()
}

// Start 启动合并线程
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.run()
}

// Interrupt 通知合并线程退出并等待它结束。
// 已入队的缓冲先处理完再退出，之后的投递被拒绝，由预写日志负责重建。
func (w *Worker) Interrupt() {
	w.queue.Close()
	if w.started.Load() {
		w.wg.Wait()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	log.Info("[MergeWorker] Started")
	for {
		mt, ok := w.queue.Take()
		if !ok {
			log.Info("[MergeWorker] Interrupted, exiting")
			return
		}
		if w.metrics != nil {
			w.metrics.QueueLength.Set(float64(w.queue.Len()))
		}

		if !mt.IsEmpty() {
			start := time.Now()
			if err := w.mergeOne(mt); err != nil {
				// 瞬时 I/O 错误：本缓冲放弃，元信息未动，残缺文件下个周期覆盖
				log.Errorf("[MergeWorker] Merge cycle failed: %s", err.Error())
			} else if w.metrics != nil {
				w.metrics.Cycles.Inc()
				w.metrics.CycleDuration.Observe(time.Since(start).Seconds())
			}
		}
		w.queue.Done()
	}
}

// mergeOne 处理一个写缓冲
func (w *Worker) mergeOne(mt *memtable.MemTable) error {
	tasks, err := w.buildTasks(mt)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	// 独占锁内只做内存修改和一次落盘，锁的持有时间与 I/O 解耦
	w.sysMeta.LockExclusive()
	for _, task := range tasks {
		task.UpdateMetaInfo()
	}
	err = w.sysMeta.Force(w.root)
	w.sysMeta.UnlockExclusive()
	if err != nil {
		// 元信息无法落盘时内存与磁盘已经分叉，必须终止进程，
		// 重启后从预写日志恢复
		log.Fatalf("[MergeWorker] Force metadata failed: %s", err.Error())
	}

	promotions := 0
	failures := 0
	for _, task := range tasks {
		failures += task.DeleteObsoleteFiles()
		if task.IsPromotion() {
			promotions++
		}
	}
	if w.metrics != nil {
		if promotions > 0 {
			w.metrics.Promotions.Add(float64(promotions))
		}
		if failures > 0 {
			w.metrics.DeleteFailures.Add(float64(failures))
		}
	}
	log.Infof("[MergeWorker] Cycle done: %d properties, %d promotions", len(tasks), promotions)
	return nil
}

// buildTasks 把缓冲按属性拆分，为每个属性构建新文件。
// 任何一个属性构建失败都放弃整个缓冲：此时元信息还没有任何变动。
func (w *Worker) buildTasks(mt *memtable.MemTable) ([]*Task, error) {
	perProperty := w.splitByProperty(mt)

	ids := make([]uint32, 0, len(perProperty))
	for id := range perProperty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := w.source.Merge(id, perProperty[id])
		if err != nil {
			abandonAll(tasks)
			return nil, err
		}
		if task == nil {
			continue
		}
		if err = task.BuildNewFile(); err != nil {
			abandonAll(tasks)
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// splitByProperty 按 propertyId 把缓冲拆成每属性的子缓冲。
// 源缓冲有序，逐条追加保持属性内的顺序不变。
func (w *Worker) splitByProperty(mt *memtable.MemTable) map[uint32]*memtable.MemTable {
	perProperty := make(map[uint32]*memtable.MemTable)
	mt.Range(func(encodedKey, value []byte) bool {
		propertyID := key.MustDecode(encodedKey).PropertyID
		sub, ok := perProperty[propertyID]
		if !ok {
			sub = memtable.NewMemTable()
			perProperty[propertyID] = sub
		}
		sub.AddRaw(encodedKey, value)
		return true
	})
	return perProperty
}

func abandonAll(tasks []*Task) {
	for _, task := range tasks {
		task.Abandon()
	}
}
