package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/go-tps/engine/lsm/key"
)

func TestMemTableBasic(t *testing.T) {
	mem := NewMemTable()
	assert.True(t, mem.IsEmpty())
	assert.Zero(t, mem.ApproximateSize())

	mem.Add(key.NewValueKey(1, 7, 10), []byte("a"))
	assert.False(t, mem.IsEmpty())
	assert.Equal(t, 1, mem.Len())
	assert.NotZero(t, mem.ApproximateSize())
}

func TestMemTableOverwrite(t *testing.T) {
	mem := NewMemTable()
	k := key.NewValueKey(1, 7, 10)

	// 完全相同的内部键重复写入为覆盖语义
	mem.Add(k, []byte("old"))
	mem.Add(k, []byte("new"))
	assert.Equal(t, 1, mem.Len())

	it := mem.NewIterator()
	require.True(t, it.Valid())
	assert.Equal(t, []byte("new"), it.Value())
}

func TestMemTableIteratorOrder(t *testing.T) {
	mem := NewMemTable()
	// 乱序写入
	mem.Add(key.NewValueKey(2, 1, 5), []byte("p2"))
	mem.Add(key.NewValueKey(1, 7, 10), []byte("t10"))
	mem.Add(key.NewValueKey(1, 7, 30), []byte("t30"))
	mem.Add(key.NewValueKey(1, 8, 20), []byte("e8"))
	mem.Add(key.NewValueKey(1, 7, 20), []byte("t20"))

	// 迭代顺序：propertyId 升序、entityId 升序、startTime 降序
	var got []string
	for it := mem.NewIterator(); it.Valid(); it.Next() {
		got = append(got, string(it.Value()))
	}
	assert.Equal(t, []string{"t30", "t20", "t10", "e8", "p2"}, got)
}

func TestMemTableIteratorSeek(t *testing.T) {
	mem := NewMemTable()
	for _, ts := range []int32{10, 20, 30} {
		mem.Add(key.NewValueKey(1, 7, ts), []byte{byte(ts)})
	}

	it := mem.NewIterator()
	// startTime 降序，定位到第一条起始时间不晚于 25 的记录
	it.Seek(key.NewValueKey(1, 7, 25).Encode())
	require.True(t, it.Valid())
	assert.Equal(t, int32(20), key.MustDecode(it.Key()).StartTime)

	// 超出范围
	it.Seek(key.NewValueKey(2, 0, 0).Encode())
	assert.False(t, it.Valid())
}

func TestMemTableIteratorSnapshot(t *testing.T) {
	mem := NewMemTable()
	mem.Add(key.NewValueKey(1, 7, 10), []byte("a"))

	it := mem.NewIterator()
	// 快照之后的写入不可见
	mem.Add(key.NewValueKey(1, 7, 20), []byte("b"))

	count := 0
	for ; it.Valid(); it.Next() {
		count++
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, mem.Len())
}
