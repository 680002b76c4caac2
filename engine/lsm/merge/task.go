package merge

import (
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/xmh1011/go-tps/engine/lsm/buffer"
	"github.com/xmh1011/go-tps/engine/lsm/cache"
	"github.com/xmh1011/go-tps/engine/lsm/filename"
	"github.com/xmh1011/go-tps/engine/lsm/iterator"
	"github.com/xmh1011/go-tps/engine/lsm/key"
	"github.com/xmh1011/go-tps/engine/lsm/memtable"
	"github.com/xmh1011/go-tps/engine/lsm/meta"
	"github.com/xmh1011/go-tps/engine/lsm/table"
	"github.com/xmh1011/go-tps/pkg/log"
)

// Task 是单个属性的一次合并：把写缓冲中属于该属性的部分与非稳定层的
// 连续槽位前缀合并成一个新文件。参与文件不足五个时产出同层的新槽位文件，
// 恰好五个时连同最近稳定文件的最新值一起升级成新的稳定文件。
//
// 生命周期分三步，BuildNewFile 在任何全局锁之外做全部 I/O，
// UpdateMetaInfo 在独占元信息锁内只做内存修改，DeleteObsoleteFiles
// 在锁外回收旧文件。
type Task struct {
	propDir string
	mem     *memtable.MemTable
	pMeta   *meta.PropertyMetaData
	cache   *cache.TableCache
	opts    table.Options

	participants []uint64

	targetFile *os.File
	fileSize   uint64

	entryCount int
	minTime    int32
	maxTime    int32

	buffers2delete []*buffer.FileBuffer
	files2delete   []string
	tables2evict   []string
}

// NewTask 构造一个合并任务。
// 参与者是从槽位 0 起到第一个空槽为止的连续前缀，这一选择与槽位文件的
// 产生规则一致：新文件总是落在前缀的下一个槽位上。
func NewTask(propDir string, mem *memtable.MemTable, pMeta *meta.PropertyMetaData,
	tableCache *cache.TableCache, opts table.Options,
) *Task {
	t := &Task{
		propDir: propDir,
		mem:     mem,
		pMeta:   pMeta,
		cache:   tableCache,
		opts:    opts,
	}
	for slot := uint64(0); slot < meta.MaxUnstableSlots; slot++ {
		if _, ok := pMeta.UnstableAt(slot); !ok {
			break
		}
		t.participants = append(t.participants, slot)
	}
	return t
}

// IsPromotion 返回本次合并是否产出稳定文件
func (t *Task) IsPromotion() bool {
	return len(t.participants) >= meta.MaxUnstableSlots
}

// Participants 返回参与合并的槽位号
func (t *Task) Participants() []uint64 {
	return t.participants
}

// EntryCount 返回写入新文件的记录条数，BuildNewFile 之后有效
func (t *Task) EntryCount() int {
	return t.entryCount
}

// BuildNewFile 在锁外构建新文件：组装归并迭代器，把全部记录流过表构建器，
// 记录观测到的时间范围，最后落盘。此时新文件尚未被元信息引用，
// 中途失败只会留下一个残缺文件，下个周期的同名重建会先删掉它。
func (t *Task) BuildNewFile() error {
	t.minTime = math.MaxInt32
	t.maxTime = -1
	t.entryCount = 0

	var targetName string
	if t.IsPromotion() {
		targetName = filename.StableFileName(t.pMeta.NextStableID())
	} else {
		targetName = filename.UnstableFileName(uint64(len(t.participants)))
	}

	builder, err := t.mergeInit(targetName)
	if err != nil {
		t.Abandon()
		return err
	}
	mergeIter, err := t.newDataIterator()
	if err != nil {
		t.Abandon()
		return err
	}
	defer func() { _ = mergeIter.Close() }()

	for ; mergeIter.Valid(); mergeIter.Next() {
		ik := key.MustDecode(mergeIter.Key())
		if ik.StartTime < t.minTime {
			t.minTime = ik.StartTime
		}
		if ik.StartTime > t.maxTime {
			t.maxTime = ik.StartTime
		}
		if err = builder.Add(mergeIter.Key(), mergeIter.Value()); err != nil {
			t.Abandon()
			return errors.Wrapf(err, "build %s", targetName)
		}
		t.entryCount++
	}

	if err = builder.Finish(); err != nil {
		t.Abandon()
		return errors.Wrapf(err, "finish %s", targetName)
	}
	if err = t.targetFile.Sync(); err != nil {
		t.Abandon()
		return errors.Wrapf(err, "sync %s", targetName)
	}
	t.fileSize = builder.FileSize()
	return nil
}

// mergeInit 准备输出文件：同名残留先删除，再新建并接上表构建器
func (t *Task) mergeInit(targetName string) (*table.Builder, error) {
	targetPath := filepath.Join(t.propDir, targetName)
	if _, err := os.Stat(targetPath); err == nil {
		// 上个周期失败留下的残缺文件
		if err = os.Remove(targetPath); err != nil {
			return nil, errors.Wrapf(err, "merge init: delete stale %s", targetPath)
		}
		log.Warnf("[MergeTask] Removed stale target file %s", targetPath)
	}
	file, err := os.Create(targetPath)
	if err != nil {
		return nil, errors.Wrapf(err, "merge init: create %s", targetPath)
	}
	t.targetFile = file
	return table.NewBuilder(file, t.opts), nil
}

// newDataIterator 按新旧顺序组装归并输入：
//  1. 写缓冲（最新数据）；
//  2. 仅升级合并且稳定层非空时，最近稳定文件（叠加其覆盖缓冲）的最新值，
//     把升级集合里没有更新记录的实体的最新值带进新稳定文件；
//  3. 各参与文件按槽位号升序，有覆盖缓冲的叠加缓冲。
func (t *Task) newDataIterator() (iterator.Iterator, error) {
	iters := []iterator.Iterator{t.mem.NewIterator()}

	if t.IsPromotion() && t.pMeta.HasStable() {
		latest, err := t.stableLatestValueIterator()
		if err != nil {
			return nil, err
		}
		iters = append(iters, latest)
	}

	for _, slot := range t.participants {
		sourcePath := filepath.Join(t.propDir, filename.UnstableFileName(slot))
		tableIter, err := t.cache.NewIterator(sourcePath)
		if err != nil {
			closeAll(iters)
			return nil, errors.Wrapf(err, "open merge participant %s", sourcePath)
		}

		var mergeIter iterator.Iterator = tableIter
		if fileBuffer := t.pMeta.UnstableBuffer(slot); fileBuffer != nil {
			mergeIter = iterator.NewBufferFileAndTableIterator(fileBuffer.NewIterator(), tableIter)
			t.buffers2delete = append(t.buffers2delete, fileBuffer)
		}
		iters = append(iters, mergeIter)

		t.tables2evict = append(t.tables2evict, sourcePath)
		t.files2delete = append(t.files2delete, sourcePath)
	}
	return iterator.NewMergingIterator(iters), nil
}

// stableLatestValueIterator 构造最近稳定文件的最新值迭代器。
// 仅在稳定层非空时调用。稳定文件本体和它的缓冲都不参与回收。
func (t *Task) stableLatestValueIterator() (iterator.Iterator, error) {
	latest := t.pMeta.LatestStable()
	stablePath := filepath.Join(t.propDir, filename.StableFileName(latest.Number))
	fileIter, err := t.cache.NewIterator(stablePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open latest stable %s", stablePath)
	}
	if fileBuffer := t.pMeta.StableBuffer(latest.Number); fileBuffer != nil {
		fileIter = iterator.NewBufferFileAndTableIterator(fileBuffer.NewIterator(), fileIter)
	}
	return iterator.NewTableLatestValueIterator(fileIter), nil
}

// UpdateMetaInfo 在独占元信息锁内生效本次合并：移除参与者的登记，
// 登记新文件。只改内存，落盘由调用方对整个周期的变更统一 Force。
func (t *Task) UpdateMetaInfo() {
	participantMinTime := int32(math.MaxInt32)
	for _, slot := range t.participants {
		if fm, ok := t.pMeta.UnstableAt(slot); ok {
			if fm.SmallestTime < participantMinTime {
				participantMinTime = fm.SmallestTime
			}
		}
		t.pMeta.DelUnstable(slot)
		t.pMeta.DelUnstableBuffer(slot)
	}

	if t.IsPromotion() {
		id := t.pMeta.NextStableID()
		startTime := int32(0)
		if t.pMeta.HasStable() {
			startTime = t.pMeta.StableMaxTime() + 1
		}
		t.pMeta.AddStable(meta.NewFileMetaData(id, t.fileSize, startTime, t.maxTime))
		log.Debugf("[MergeTask] Property %d promoted to stable-%d, time range [%d, %d], %d entries",
			t.pMeta.PropertyID(), id, startTime, t.maxTime, t.entryCount)
		return
	}

	slot := uint64(len(t.participants))
	// 槽位文件的 startTime 取参与者下界与实际观测下界中的较小者，
	// 保证不大于文件内任何键的时间
	startTime := t.minTime
	if len(t.participants) > 0 && participantMinTime < startTime {
		startTime = participantMinTime
	}
	if len(t.participants) > 0 && participantMinTime > t.minTime {
		log.Warnf("[MergeTask] Property %d participant startTime %d exceeds observed minTime %d",
			t.pMeta.PropertyID(), participantMinTime, t.minTime)
	}
	t.pMeta.AddUnstable(meta.NewFileMetaData(slot, t.fileSize, startTime, t.maxTime))
	log.Debugf("[MergeTask] Property %d rewrote unstable slot %d, time range [%d, %d], %d entries",
		t.pMeta.PropertyID(), slot, startTime, t.maxTime, t.entryCount)
}

// DeleteObsoleteFiles 在元信息落盘之后、锁外回收资源：
// 关闭输出通道，逐出参与文件的缓存项（物理关闭等读者放掉迭代器），
// 删除参与文件及其覆盖缓冲。删除失败只记日志，残留文件留在磁盘上，不会重试，
// 返回失败个数供指标统计。
func (t *Task) DeleteObsoleteFiles() int {
	failures := 0
	if t.targetFile != nil {
		if err := t.targetFile.Close(); err != nil {
			log.Errorf("[MergeTask] Close target file error: %s", err.Error())
		}
		t.targetFile = nil
	}
	for _, path := range t.tables2evict {
		t.cache.Evict(path)
	}
	for _, fileBuffer := range t.buffers2delete {
		if err := fileBuffer.DeleteFile(); err != nil && !os.IsNotExist(errors.Cause(err)) {
			log.Errorf("[MergeTask] Delete buffer %s error: %s", fileBuffer.Path(), err.Error())
			failures++
		}
	}
	for _, path := range t.files2delete {
		if err := os.Remove(path); err != nil {
			log.Errorf("[MergeTask] Delete obsolete file %s error: %s", path, err.Error())
			failures++
		}
	}
	return failures
}

// Abandon 放弃本次任务，关闭已打开的输出通道。
// 已写出的残缺文件留在原地，下次同名重建时删除。
func (t *Task) Abandon() {
	if t.targetFile != nil {
		_ = t.targetFile.Close()
		t.targetFile = nil
	}
}

func closeAll(iters []iterator.Iterator) {
	for _, it := range iters {
		_ = it.Close()
	}
}
