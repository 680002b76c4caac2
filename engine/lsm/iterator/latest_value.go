package iterator

import (
	"github.com/xmh1011/go-tps/engine/lsm/key"
)

// TableLatestValueIterator 过滤底层有序流，每个 (propertyId, entityId)
// 只保留最新的一条记录。由于同一实体内 startTime 降序，最新记录即首条记录。
// 升级合并时用它把最近稳定文件里仍然可见的最新值带入新的稳定文件，
// 保证读端看到连续的时间线。
type TableLatestValueIterator struct {
	inner Iterator
}

// NewTableLatestValueIterator 包装一个有序迭代器
func NewTableLatestValueIterator(inner Iterator) *TableLatestValueIterator {
	return &TableLatestValueIterator{inner: inner}
}

func (t *TableLatestValueIterator) Valid() bool {
	return t.inner.Valid()
}

func (t *TableLatestValueIterator) Key() []byte {
	return t.inner.Key()
}

func (t *TableLatestValueIterator) Value() []byte {
	return t.inner.Value()
}

// Next 跳过当前实体剩余的旧版本，停在下一个实体的最新记录上
func (t *TableLatestValueIterator) Next() {
	if !t.inner.Valid() {
		return
	}
	cur := key.MustDecode(t.inner.Key())
	for {
		t.inner.Next()
		if !t.inner.Valid() {
			return
		}
		k := key.MustDecode(t.inner.Key())
		if k.PropertyID != cur.PropertyID || k.EntityID != cur.EntityID {
			return
		}
	}
}

func (t *TableLatestValueIterator) Seek(target []byte) {
	t.inner.Seek(target)
}

func (t *TableLatestValueIterator) SeekToFirst() {
	t.inner.SeekToFirst()
}

func (t *TableLatestValueIterator) Close() error {
	return t.inner.Close()
}
