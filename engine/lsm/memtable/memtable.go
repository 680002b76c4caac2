package memtable

import (
	"sort"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/xmh1011/go-tps/engine/lsm/iterator"
	"github.com/xmh1011/go-tps/engine/lsm/key"
)

// MemTable 是按比较器全序排序的内存写缓冲。
// 写入路径填满后整体交给合并线程，之后只读。
// 相同内部键重复写入为覆盖语义（startTime 属于键，真正的新版本键不同）。
type MemTable struct {
	entries *skipmap.FuncMap[[]byte, []byte]
	size    atomic.Uint64
}

// NewMemTable 创建一个空的 MemTable
func NewMemTable() *MemTable {
	return &MemTable{
		entries: skipmap.NewFunc[[]byte, []byte](key.Less),
	}
}

// Add 写入一条记录
func (m *MemTable) Add(k key.InternalKey, value []byte) {
	m.AddRaw(k.Encode(), value)
}

// AddRaw 写入一条已编码的记录
func (m *MemTable) AddRaw(encodedKey, value []byte) {
	if old, ok := m.entries.Load(encodedKey); ok {
		m.size.Add(^uint64(len(old)) + 1)
	} else {
		m.size.Add(uint64(len(encodedKey)))
	}
	m.entries.Store(encodedKey, value)
	m.size.Add(uint64(len(value)))
}

// IsEmpty 返回缓冲是否为空
func (m *MemTable) IsEmpty() bool {
	return m.entries.Len() == 0
}

// Len 返回记录条数
func (m *MemTable) Len() int {
	return m.entries.Len()
}

// ApproximateSize 返回键值字节数的近似值，写入路径用它判断是否该交给合并线程
func (m *MemTable) ApproximateSize() uint64 {
	return m.size.Load()
}

// Range 按比较器顺序遍历，f 返回 false 时停止
func (m *MemTable) Range(f func(encodedKey, value []byte) bool) {
	m.entries.Range(f)
}

// NewIterator 返回按比较器顺序遍历的迭代器。
// 迭代器持有创建时刻的快照，之后的写入不可见。
func (m *MemTable) NewIterator() iterator.Iterator {
	it := &memTableIterator{}
	m.entries.Range(func(k, v []byte) bool {
		it.keys = append(it.keys, k)
		it.values = append(it.values, v)
		return true
	})
	return it
}

// memTableIterator 在排序快照上遍历
type memTableIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

func (it *memTableIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.keys)
}

func (it *memTableIterator) Key() []byte {
	return it.keys[it.pos]
}

func (it *memTableIterator) Value() []byte {
	return it.values[it.pos]
}

func (it *memTableIterator) Next() {
	if it.pos < len(it.keys) {
		it.pos++
	}
}

func (it *memTableIterator) Seek(target []byte) {
	it.pos = sort.Search(len(it.keys), func(i int) bool {
		return key.Compare(it.keys[i], target) >= 0
	})
}

func (it *memTableIterator) SeekToFirst() {
	it.pos = 0
}

func (it *memTableIterator) Close() error {
	it.pos = len(it.keys)
	return nil
}
