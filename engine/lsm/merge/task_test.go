package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/go-tps/engine/lsm/buffer"
	"github.com/xmh1011/go-tps/engine/lsm/cache"
	"github.com/xmh1011/go-tps/engine/lsm/filename"
	"github.com/xmh1011/go-tps/engine/lsm/key"
	"github.com/xmh1011/go-tps/engine/lsm/memtable"
	"github.com/xmh1011/go-tps/engine/lsm/meta"
	"github.com/xmh1011/go-tps/engine/lsm/table"
)

type record struct {
	entity uint64
	ts     int32
	value  string
}

func newTaskTestEnv(t *testing.T) (string, *meta.PropertyMetaData, *cache.TableCache) {
	t.Helper()
	dir := t.TempDir()
	pMeta := meta.NewPropertyMetaData(1)
	tableCache, err := cache.NewTableCache(16, table.NewDefaultOptions())
	require.NoError(t, err)
	t.Cleanup(tableCache.Close)
	return dir, pMeta, tableCache
}

func newMemTableWith(records ...record) *memtable.MemTable {
	mem := memtable.NewMemTable()
	for _, r := range records {
		mem.Add(key.NewValueKey(1, r.entity, r.ts), []byte(r.value))
	}
	return mem
}

// runCycle 按工作线程的步骤执行一次合并任务
func runCycle(t *testing.T, dir string, pMeta *meta.PropertyMetaData, tableCache *cache.TableCache, mem *memtable.MemTable) *Task {
	t.Helper()
	task := NewTask(dir, mem, pMeta, tableCache, table.NewDefaultOptions())
	require.NoError(t, task.BuildNewFile())
	task.UpdateMetaInfo()
	task.DeleteObsoleteFiles()
	return task
}

// writeSortedFile 直接构建一个排序文件，records 必须符合比较器顺序
func writeSortedFile(t *testing.T, path string, records []record) uint64 {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	builder := table.NewBuilder(file, table.NewDefaultOptions())
	for _, r := range records {
		require.NoError(t, builder.Add(key.NewValueKey(1, r.entity, r.ts).Encode(), []byte(r.value)))
	}
	require.NoError(t, builder.Finish())
	require.NoError(t, file.Close())
	return builder.FileSize()
}

// readValues 读出文件中全部值，顺序即比较器顺序
func readValues(t *testing.T, path string) []string {
	t.Helper()
	tbl, err := table.Open(path, table.NewDefaultOptions())
	require.NoError(t, err)
	defer tbl.Release()

	var got []string
	it := tbl.NewIterator()
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Value()))
	}
	require.NoError(t, it.Close())
	return got
}

func TestTaskFirstFlush(t *testing.T) {
	dir, pMeta, tableCache := newTaskTestEnv(t)

	// 没有任何文件：写缓冲落到槽位 0
	task := runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 10, "a"}))
	assert.False(t, task.IsPromotion())
	assert.Empty(t, task.Participants())
	assert.Equal(t, 1, task.EntryCount())

	fm, ok := pMeta.UnstableAt(0)
	require.True(t, ok)
	assert.Equal(t, int32(10), fm.SmallestTime)
	assert.Equal(t, int32(10), fm.LargestTime)

	path := filepath.Join(dir, filename.UnstableFileName(0))
	assert.FileExists(t, path)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(info.Size()), fm.Size)
	assert.Equal(t, []string{"a"}, readValues(t, path))
}

func TestTaskSlotProgression(t *testing.T) {
	dir, pMeta, tableCache := newTaskTestEnv(t)

	// 槽位演化是二进制进位：{0} → {1} → {0,1} → {2}
	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 10, "t10"}))
	assert.Equal(t, []uint64{0}, pMeta.UnstableSlots())

	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 20, "t20"}))
	assert.Equal(t, []uint64{1}, pMeta.UnstableSlots())
	assert.NoFileExists(t, filepath.Join(dir, filename.UnstableFileName(0)))

	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 30, "t30"}))
	assert.Equal(t, []uint64{0, 1}, pMeta.UnstableSlots())

	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 40, "t40"}))
	assert.Equal(t, []uint64{2}, pMeta.UnstableSlots())

	// 槽位 2 是四个缓冲的归并，时间范围覆盖全部写入
	fm, ok := pMeta.UnstableAt(2)
	require.True(t, ok)
	assert.Equal(t, int32(10), fm.SmallestTime)
	assert.Equal(t, int32(40), fm.LargestTime)
	assert.Equal(t, []string{"t40", "t30", "t20", "t10"},
		readValues(t, filepath.Join(dir, filename.UnstableFileName(2))))
}

func TestTaskSameLevelRewrite(t *testing.T) {
	dir, pMeta, tableCache := newTaskTestEnv(t)

	// 准备槽位 {0,1}
	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 10, "t10"}))
	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 20, "t20"}))
	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 30, "t30"}))
	require.Equal(t, []uint64{0, 1}, pMeta.UnstableSlots())

	task := NewTask(dir, newMemTableWith(record{8, 5, "e8"}), pMeta, tableCache, table.NewDefaultOptions())
	assert.Equal(t, []uint64{0, 1}, task.Participants())
	require.NoError(t, task.BuildNewFile())
	task.UpdateMetaInfo()
	task.DeleteObsoleteFiles()

	// 参与者从元信息移除，文件删除，新槽位为参与者数量
	assert.Equal(t, []uint64{2}, pMeta.UnstableSlots())
	assert.NoFileExists(t, filepath.Join(dir, filename.UnstableFileName(0)))
	assert.NoFileExists(t, filepath.Join(dir, filename.UnstableFileName(1)))

	// startTime 取参与者下界与本次观测下界的较小者
	fm, ok := pMeta.UnstableAt(2)
	require.True(t, ok)
	assert.Equal(t, int32(5), fm.SmallestTime)
	assert.Equal(t, int32(30), fm.LargestTime)
	assert.Equal(t, 4, task.EntryCount())
}

func TestTaskStaleTargetOverwritten(t *testing.T) {
	dir, pMeta, tableCache := newTaskTestEnv(t)

	// 上个周期失败残留的同名文件在重建时被删除
	stale := filepath.Join(dir, filename.UnstableFileName(0))
	require.NoError(t, os.WriteFile(stale, []byte("partial garbage"), 0o644))

	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 10, "a"}))
	assert.Equal(t, []string{"a"}, readValues(t, stale))
}

func TestTaskConsumesOverlayBuffer(t *testing.T) {
	dir, pMeta, tableCache := newTaskTestEnv(t)

	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 10, "base"}))

	// 给槽位 0 登记覆盖缓冲
	bufPath := filepath.Join(dir, filename.UnstableBufferName(0))
	fileBuffer, err := buffer.NewFileBuffer(bufPath)
	require.NoError(t, err)
	require.NoError(t, fileBuffer.Append(key.NewValueKey(1, 9, 50).Encode(), []byte("buffered")))
	pMeta.SetUnstableBuffer(0, fileBuffer)

	runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, 60, "fresh"}))

	// 缓冲记录进入新文件，缓冲文件与登记一并回收
	assert.Equal(t, []string{"fresh", "base", "buffered"},
		readValues(t, filepath.Join(dir, filename.UnstableFileName(1))))
	assert.NoFileExists(t, bufPath)
	assert.Nil(t, pMeta.UnstableBuffer(0))
}

func TestTaskPromotion(t *testing.T) {
	dir, pMeta, tableCache := newTaskTestEnv(t)

	// 占满五个槽位，第 32 个缓冲触发升级
	for i := 0; i < 31; i++ {
		runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{7, int32(10 + i), "v"}))
	}
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, pMeta.UnstableSlots())
	require.False(t, pMeta.HasStable())

	task := NewTask(dir, newMemTableWith(record{7, 100, "last"}), pMeta, tableCache, table.NewDefaultOptions())
	assert.True(t, task.IsPromotion())
	require.NoError(t, task.BuildNewFile())
	task.UpdateMetaInfo()
	task.DeleteObsoleteFiles()

	// 升级后非稳定层清空，稳定文件从 id 1、startTime 0 开始
	assert.Empty(t, pMeta.UnstableSlots())
	require.True(t, pMeta.HasStable())
	stable := pMeta.LatestStable()
	assert.Equal(t, uint64(1), stable.Number)
	assert.Equal(t, int32(0), stable.SmallestTime)
	assert.Equal(t, int32(100), stable.LargestTime)
	assert.Equal(t, 32, task.EntryCount())

	for slot := uint64(0); slot < meta.MaxUnstableSlots; slot++ {
		assert.NoFileExists(t, filepath.Join(dir, filename.UnstableFileName(slot)))
	}
	assert.FileExists(t, filepath.Join(dir, filename.StableFileName(1)))
}

func TestTaskPromotionCarriesLatestStableValues(t *testing.T) {
	dir, pMeta, tableCache := newTaskTestEnv(t)

	// 手工搭建：已有 stable-1，实体 1 两个版本、实体 2 一个版本
	stablePath := filepath.Join(dir, filename.StableFileName(1))
	size := writeSortedFile(t, stablePath, []record{
		{1, 5, "e1-latest"},
		{1, 3, "e1-old"},
		{2, 4, "e2-latest"},
	})
	pMeta.AddStable(meta.NewFileMetaData(1, size, 0, 5))

	// 五个槽位各一条实体 1 的记录
	for slot := uint64(0); slot < meta.MaxUnstableSlots; slot++ {
		ts := int32(10 + slot)
		path := filepath.Join(dir, filename.UnstableFileName(slot))
		fsize := writeSortedFile(t, path, []record{{1, ts, "u"}})
		pMeta.AddUnstable(meta.NewFileMetaData(slot, fsize, ts, ts))
	}

	task := runCycle(t, dir, pMeta, tableCache, newMemTableWith(record{1, 100, "new"}))
	require.True(t, task.IsPromotion())

	// 新稳定文件紧接旧稳定文件的时间区间
	stable := pMeta.LatestStable()
	assert.Equal(t, uint64(2), stable.Number)
	assert.Equal(t, int32(6), stable.SmallestTime)
	assert.Equal(t, int32(100), stable.LargestTime)

	// 每个实体在旧稳定文件里的最新值被带入新文件，旧版本留在原文件
	got := readValues(t, filepath.Join(dir, filename.StableFileName(2)))
	assert.Equal(t, []string{"new", "u", "u", "u", "u", "u", "e1-latest", "e2-latest"}, got)

	// 旧稳定文件不参与回收
	assert.FileExists(t, stablePath)
}
