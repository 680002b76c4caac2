package iterator

import (
	"github.com/xmh1011/go-tps/engine/lsm/key"
)

// MergingIterator 对多个有序迭代器做 N 路归并，输出一个有序流。
// 不做去重：键完全相同的记录按子迭代器的先后顺序依次输出，
// 调用方把较新的数据源放在列表前面即可让新数据先出。
type MergingIterator struct {
	children []Iterator
	current  int // 当前最小键所在的子迭代器，-1 表示已经耗尽
}

// NewMergingIterator 构造归并迭代器并定位到第一条记录
func NewMergingIterator(children []Iterator) *MergingIterator {
	m := &MergingIterator{children: children}
	m.SeekToFirst()
	return m
}

// Valid 返回是否定位在有效记录上
func (m *MergingIterator) Valid() bool {
	return m.current >= 0
}

// Key 返回当前记录的编码内部键
func (m *MergingIterator) Key() []byte {
	return m.children[m.current].Key()
}

// Value 返回当前记录的值
func (m *MergingIterator) Value() []byte {
	return m.children[m.current].Value()
}

// Next 移动到归并流的下一条记录
func (m *MergingIterator) Next() {
	if m.current < 0 {
		return
	}
	m.children[m.current].Next()
	m.pick()
}

// Seek 将所有子迭代器定位到 target 并重新选取最小键
func (m *MergingIterator) Seek(target []byte) {
	for _, it := range m.children {
		it.Seek(target)
	}
	m.pick()
}

// SeekToFirst 将所有子迭代器回到起点
func (m *MergingIterator) SeekToFirst() {
	for _, it := range m.children {
		it.SeekToFirst()
	}
	m.pick()
}

// Close 关闭所有子迭代器，返回第一个遇到的错误
func (m *MergingIterator) Close() error {
	var first error
	for _, it := range m.children {
		if err := it.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.current = -1
	return first
}

// pick 在子迭代器中选取当前最小键。
// 使用严格小于比较，键相等时保留下标更小的子迭代器，先到先出。
func (m *MergingIterator) pick() {
	m.current = -1
	for i, it := range m.children {
		if !it.Valid() {
			continue
		}
		if m.current < 0 || key.Compare(it.Key(), m.children[m.current].Key()) < 0 {
			m.current = i
		}
	}
}
