package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/xmh1011/go-tps/engine/lsm/iterator"
	"github.com/xmh1011/go-tps/engine/lsm/table"
	"github.com/xmh1011/go-tps/pkg/log"
)

// TableCache 是文件路径到已打开排序文件的有界 LRU 缓存。
// 未命中时通过 mmap 打开文件；同一路径的并发未命中由 singleflight 合并成一次加载。
// 淘汰或显式 Evict 只是释放缓存持有的引用：仍被迭代器引用的表此时不会真正关闭，
// 等最后一个迭代器 Close 后才解除映射，相当于原实现的 finalizer 队列。
type TableCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *table.Table]
	group  singleflight.Group
	opts   table.Options
	closed bool
}

// NewTableCache 创建容量为 size 的表缓存
func NewTableCache(size int, opts table.Options) (*TableCache, error) {
	c := &TableCache{opts: opts}
	l, err := lru.NewWithEvict[string, *table.Table](size, func(path string, t *table.Table) {
		// 释放缓存引用，物理关闭推迟到引用计数归零
		t.Release()
	})
	if err != nil {
		return nil, errors.Wrap(err, "create table lru")
	}
	c.lru = l
	return c, nil
}

// NewIterator 返回指定文件的迭代器，必要时先加载文件。
// 迭代器持有表引用，缓存淘汰不影响已返回的迭代器。
func (c *TableCache) NewIterator(path string) (iterator.Iterator, error) {
	t, err := c.getTable(path)
	if err != nil {
		return nil, err
	}
	it := t.NewIterator()
	t.Release()
	return it, nil
}

// Get 在指定文件中精确查找一条记录
func (c *TableCache) Get(path string, encodedKey []byte) ([]byte, bool, error) {
	t, err := c.getTable(path)
	if err != nil {
		return nil, false, err
	}
	defer t.Release()
	v, ok := t.Get(encodedKey)
	return v, ok, nil
}

// getTable 返回带调用方引用的表，调用方用完必须 Release
func (c *TableCache) getTable(path string) (*table.Table, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errors.New("table cache is closed")
		}
		if t, ok := c.lru.Get(path); ok {
			t.Retain()
			c.mu.Unlock()
			return t, nil
		}
		c.mu.Unlock()

		// 并发未命中合并为一次加载，加载结果进入缓存后回到快路径取引用
		if _, err, _ := c.group.Do(path, func() (interface{}, error) {
			t, err := table.Open(path, c.opts)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				t.Release()
				return nil, errors.New("table cache is closed")
			}
			c.lru.Add(path, t)
			c.mu.Unlock()
			return nil, nil
		}); err != nil {
			return nil, errors.Wrapf(err, "load table %s", path)
		}
	}
}

// Evict 使指定路径的缓存项失效。
// 已获得的迭代器保持有效，物理关闭等引用计数归零后进行。
func (c *TableCache) Evict(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Remove(path) {
		log.Debugf("[TableCache] Evicted %s", path)
	}
}

// Len 返回缓存中的表数量
func (c *TableCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Close 使全部缓存项失效并拒绝后续访问
func (c *TableCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.lru.Purge()
}
