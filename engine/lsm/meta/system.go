package meta

import (
	"encoding/binary"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/xmh1011/go-tps/engine/lsm/filename"
	"github.com/xmh1011/go-tps/pkg/log"
	"github.com/xmh1011/go-tps/pkg/utils"
)

const metaFormatVersion = 1

// SystemMeta 持有一个存储实例内全部属性的元信息，由读写锁保护：
// 读路径在单次查找期间持共享锁；合并线程只在批量更新元信息并落盘时持独占锁。
// 不使用包级单例，实例由创建方显式传给合并线程。
type SystemMeta struct {
	mu    sync.RWMutex
	props map[uint32]*PropertyMetaData
}

// NewSystemMeta 创建空的系统元信息
func NewSystemMeta() *SystemMeta {
	return &SystemMeta{props: make(map[uint32]*PropertyMetaData)}
}

// LockShared 获取共享锁
func (s *SystemMeta) LockShared() {
	s.mu.RLock()
}

// UnlockShared 释放共享锁
func (s *SystemMeta) UnlockShared() {
	s.mu.RUnlock()
}

// LockExclusive 获取独占锁
func (s *SystemMeta) LockExclusive() {
	s.mu.Lock()
}

// UnlockExclusive 释放独占锁
func (s *SystemMeta) UnlockExclusive() {
	s.mu.Unlock()
}

// Property 返回指定属性的元信息。
// 调用方必须已经持有共享或独占锁。
func (s *SystemMeta) Property(propertyID uint32) (*PropertyMetaData, bool) {
	p, ok := s.props[propertyID]
	return p, ok
}

// GetOrCreateProperty 返回指定属性的元信息，不存在时创建。
// 调用方必须已经持有独占锁。
func (s *SystemMeta) GetOrCreateProperty(propertyID uint32) *PropertyMetaData {
	if p, ok := s.props[propertyID]; ok {
		return p
	}
	p := NewPropertyMetaData(propertyID)
	s.props[propertyID] = p
	return p
}

// PropertyIDs 返回全部属性 id，升序。调用方必须已经持有锁。
func (s *SystemMeta) PropertyIDs() []uint32 {
	ids := make([]uint32, 0, len(s.props))
	for id := range s.props {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Force 将全部元信息序列化后原子落盘。
// 必须在独占锁内调用；一次合并周期内所有属性的变更批量积累后只落盘一次，
// 重命名保证要么全部可见要么全部不可见。
func (s *SystemMeta) Force(root string) error {
	data := s.encode()
	path := filename.MetaFilePath(root)
	if err := utils.AtomicWriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "force meta to %s", path)
	}
	log.Debugf("[SystemMeta] Forced metadata of %d properties to %s", len(s.props), path)
	return nil
}

// encode 序列化全部属性元信息，小端
func (s *SystemMeta) encode() []byte {
	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint32(buf, metaFormatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.props)))
	for _, id := range s.PropertyIDs() {
		p := s.props[id]
		buf = binary.LittleEndian.AppendUint32(buf, id)

		slots := p.UnstableSlots()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(slots)))
		for _, slot := range slots {
			buf = appendFileMeta(buf, p.unstable[slot])
		}

		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.stable)))
		for _, fm := range p.stable {
			buf = appendFileMeta(buf, fm)
		}
	}
	return buf
}

func appendFileMeta(buf []byte, fm *FileMetaData) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, fm.Number)
	buf = binary.LittleEndian.AppendUint64(buf, fm.Size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fm.SmallestTime))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fm.LargestTime))
	return buf
}

// Load 从存储根目录加载元信息，文件不存在视为空实例。
// 解析失败说明元信息损坏，由调用方决定是否终止进程。
func (s *SystemMeta) Load(root string) error {
	path := filename.MetaFilePath(root)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("[SystemMeta] No metadata file at %s, starting empty", path)
			return nil
		}
		return errors.Wrapf(err, "read meta file %s", path)
	}

	dec := &metaDecoder{buf: raw}
	version := dec.uint32()
	if version != metaFormatVersion {
		return errors.Errorf("unsupported meta format version %d in %s", version, path)
	}
	propCount := dec.uint32()
	props := make(map[uint32]*PropertyMetaData, propCount)
	for i := uint32(0); i < propCount && dec.err == nil; i++ {
		id := dec.uint32()
		p := NewPropertyMetaData(id)

		unstableCount := dec.uint32()
		for j := uint32(0); j < unstableCount && dec.err == nil; j++ {
			fm := dec.fileMeta()
			if fm.Number >= MaxUnstableSlots {
				return errors.Errorf("meta corruption: unstable slot %d out of range for property %d", fm.Number, id)
			}
			p.AddUnstable(fm)
		}

		stableCount := dec.uint32()
		var prev *FileMetaData
		for j := uint32(0); j < stableCount && dec.err == nil; j++ {
			fm := dec.fileMeta()
			if prev != nil && (fm.Number <= prev.Number || fm.SmallestTime <= prev.SmallestTime) {
				return errors.Errorf("meta corruption: stable files out of order for property %d", id)
			}
			p.AddStable(fm)
			prev = fm
		}
		props[id] = p
	}
	if dec.err != nil {
		return errors.Wrapf(dec.err, "decode meta file %s", path)
	}

	s.mu.Lock()
	s.props = props
	s.mu.Unlock()
	log.Infof("[SystemMeta] Loaded metadata of %d properties from %s", len(props), path)
	return nil
}

// metaDecoder 顺序解码，首个越界错误被记住后续调用短路
type metaDecoder struct {
	buf []byte
	off int
	err error
}

func (d *metaDecoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = errors.Errorf("unexpected end of metadata at offset %d", d.off)
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

func (d *metaDecoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *metaDecoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *metaDecoder) fileMeta() *FileMetaData {
	number := d.uint64()
	size := d.uint64()
	smallest := int32(d.uint32())
	largest := int32(d.uint32())
	return NewFileMetaData(number, size, smallest, largest)
}
