package meta

import (
	"sort"

	"github.com/xmh1011/go-tps/engine/lsm/buffer"
)

// MaxUnstableSlots 是非稳定层的槽位数，槽位占满后触发升级合并
const MaxUnstableSlots = 5

// FileMetaData 标识一个落盘的排序文件
type FileMetaData struct {
	// Number 对非稳定文件是槽位号，对稳定文件是单调递增的 id
	Number uint64
	// Size 是文件字节数
	Size uint64
	// SmallestTime 是文件覆盖时间区间的下界
	SmallestTime int32
	// LargestTime 是文件覆盖时间区间的上界
	LargestTime int32
}

// NewFileMetaData 构造文件元信息
func NewFileMetaData(number, size uint64, smallest, largest int32) *FileMetaData {
	return &FileMetaData{Number: number, Size: size, SmallestTime: smallest, LargestTime: largest}
}

// PropertyMetaData 是单个属性的元信息：
// 非稳定槽位、稳定文件序列以及各文件的覆盖缓冲登记。
// 并发访问由 SystemMeta 的读写锁保护。
type PropertyMetaData struct {
	propertyID uint32

	unstable map[uint64]*FileMetaData
	stable   []*FileMetaData // 按 id 与 startTime 同时递增

	unstableBuffers map[uint64]*buffer.FileBuffer
	stableBuffers   map[uint64]*buffer.FileBuffer
}

// NewPropertyMetaData 创建空的属性元信息
func NewPropertyMetaData(propertyID uint32) *PropertyMetaData {
	return &PropertyMetaData{
		propertyID:      propertyID,
		unstable:        make(map[uint64]*FileMetaData),
		unstableBuffers: make(map[uint64]*buffer.FileBuffer),
		stableBuffers:   make(map[uint64]*buffer.FileBuffer),
	}
}

// PropertyID 返回属性 id
func (p *PropertyMetaData) PropertyID() uint32 {
	return p.propertyID
}

// UnstableAt 返回指定槽位的非稳定文件元信息
func (p *PropertyMetaData) UnstableAt(slot uint64) (*FileMetaData, bool) {
	fm, ok := p.unstable[slot]
	return fm, ok
}

// UnstableSlots 返回已占用的槽位号，升序
func (p *PropertyMetaData) UnstableSlots() []uint64 {
	slots := make([]uint64, 0, len(p.unstable))
	for slot := range p.unstable {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// UnstableCount 返回已占用的槽位数
func (p *PropertyMetaData) UnstableCount() int {
	return len(p.unstable)
}

// AddUnstable 登记一个非稳定文件，Number 即槽位号
func (p *PropertyMetaData) AddUnstable(fm *FileMetaData) {
	p.unstable[fm.Number] = fm
}

// DelUnstable 移除一个非稳定文件的登记
func (p *PropertyMetaData) DelUnstable(slot uint64) {
	delete(p.unstable, slot)
}

// HasStable 返回稳定层是否非空
func (p *PropertyMetaData) HasStable() bool {
	return len(p.stable) > 0
}

// StableFiles 返回稳定文件序列，id 升序
func (p *PropertyMetaData) StableFiles() []*FileMetaData {
	return p.stable
}

// LatestStable 返回最新的稳定文件，稳定层为空时返回 nil
func (p *PropertyMetaData) LatestStable() *FileMetaData {
	if len(p.stable) == 0 {
		return nil
	}
	return p.stable[len(p.stable)-1]
}

// StableMaxTime 返回稳定层覆盖时间的上界，调用前提是 HasStable
func (p *PropertyMetaData) StableMaxTime() int32 {
	return p.LatestStable().LargestTime
}

// NextStableID 返回下一个稳定文件 id，从 1 开始单调递增。
// 纯读操作，同一元信息状态下多次调用结果一致。
func (p *PropertyMetaData) NextStableID() uint64 {
	if len(p.stable) == 0 {
		return 1
	}
	return p.stable[len(p.stable)-1].Number + 1
}

// AddStable 追加一个稳定文件
func (p *PropertyMetaData) AddStable(fm *FileMetaData) {
	p.stable = append(p.stable, fm)
}

// UnstableBuffer 返回指定槽位登记的覆盖缓冲，没有则为 nil
func (p *PropertyMetaData) UnstableBuffer(slot uint64) *buffer.FileBuffer {
	return p.unstableBuffers[slot]
}

// SetUnstableBuffer 登记非稳定文件的覆盖缓冲
func (p *PropertyMetaData) SetUnstableBuffer(slot uint64, b *buffer.FileBuffer) {
	p.unstableBuffers[slot] = b
}

// DelUnstableBuffer 移除覆盖缓冲的登记
func (p *PropertyMetaData) DelUnstableBuffer(slot uint64) {
	delete(p.unstableBuffers, slot)
}

// StableBuffer 返回指定稳定文件登记的覆盖缓冲，没有则为 nil
func (p *PropertyMetaData) StableBuffer(id uint64) *buffer.FileBuffer {
	return p.stableBuffers[id]
}

// SetStableBuffer 登记稳定文件的覆盖缓冲
func (p *PropertyMetaData) SetStableBuffer(id uint64, b *buffer.FileBuffer) {
	p.stableBuffers[id] = b
}

// DelStableBuffer 移除稳定文件覆盖缓冲的登记
func (p *PropertyMetaData) DelStableBuffer(id uint64) {
	delete(p.stableBuffers, id)
}

// CloseBuffers 关闭全部登记的覆盖缓冲，登记保留，关停时调用
func (p *PropertyMetaData) CloseBuffers() error {
	var first error
	for _, b := range p.unstableBuffers {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, b := range p.stableBuffers {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
