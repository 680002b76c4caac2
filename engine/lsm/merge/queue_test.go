package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/go-tps/engine/lsm/key"
	"github.com/xmh1011/go-tps/engine/lsm/memtable"
)

func newTestMemTable(ts int32) *memtable.MemTable {
	mem := memtable.NewMemTable()
	mem.Add(key.NewValueKey(1, 7, ts), []byte("v"))
	return mem
}

func TestMemTableQueueFIFO(t *testing.T) {
	q := newMemTableQueue()
	first := newTestMemTable(10)
	second := newTestMemTable(20)

	assert.True(t, q.Offer(first))
	assert.True(t, q.Offer(second))
	assert.Equal(t, 2, q.Len())

	got, ok := q.Take()
	require.True(t, ok)
	assert.Same(t, first, got)

	got, ok = q.Take()
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Zero(t, q.Len())
}

func TestMemTableQueueBlockingTake(t *testing.T) {
	q := newMemTableQueue()
	done := make(chan *memtable.MemTable, 1)
	go func() {
		mt, _ := q.Take()
		done <- mt
	}()

	// 消费者阻塞直到有缓冲入队
	select {
	case <-done:
		t.Fatal("take returned before offer")
	case <-time.After(20 * time.Millisecond):
	}

	mt := newTestMemTable(10)
	q.Offer(mt)
	select {
	case got := <-done:
		assert.Same(t, mt, got)
	case <-time.After(time.Second):
		t.Fatal("take did not wake up")
	}
}

func TestMemTableQueueClose(t *testing.T) {
	q := newMemTableQueue()
	q.Offer(newTestMemTable(10))
	q.Close()

	// 关闭后先取完剩余的缓冲
	_, ok := q.Take()
	assert.True(t, ok)
	_, ok = q.Take()
	assert.False(t, ok)

	// 关闭后的投递被拒绝
	assert.False(t, q.Offer(newTestMemTable(20)))
}

func TestMemTableQueueCloseWakesTaker(t *testing.T) {
	q := newMemTableQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("take did not wake up on close")
	}
}
