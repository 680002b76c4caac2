package table

import (
	"encoding/binary"

	"github.com/xmh1011/go-tps/engine/lsm/key"
)

// BlockBuilder 把有序键值对追加进一个数据块。
// 每条记录编码为 <shared varint><nonShared varint><valueLen varint><key><value>，
// 每隔 restartInterval 条记录记录一次当前偏移作为重启点，查找时先在重启点上二分。
// 内部键是定长的且后续操作会原地修补字节，因此前缀共享长度恒为 0，
// 重启点逻辑保留下来用于限制查找时的线性扫描距离。
type BlockBuilder struct {
	restartInterval int

	buf          []byte
	restarts     []uint32
	restartCount int // 距上一个重启点已写入的记录数
	entryCount   int
	lastKey      []byte
	finished     bool
}

// NewBlockBuilder 创建块构建器
func NewBlockBuilder(restartInterval int) *BlockBuilder {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	return &BlockBuilder{
		restartInterval: restartInterval,
		restarts:        []uint32{0}, // 第一个重启点必须是 0
	}
}

// Reset 清空全部状态，复用构建器
func (b *BlockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = b.restarts[:0]
	b.restarts = append(b.restarts, 0)
	b.restartCount = 0
	b.entryCount = 0
	b.lastKey = nil
	b.finished = false
}

// EntryCount 返回已写入的记录条数
func (b *BlockBuilder) EntryCount() int {
	return b.entryCount
}

// IsEmpty 返回块是否为空
func (b *BlockBuilder) IsEmpty() bool {
	return b.entryCount == 0
}

// CurrentSizeEstimate 估算 Finish 之后的块大小
func (b *BlockBuilder) CurrentSizeEstimate() int {
	if b.finished {
		return len(b.buf)
	}
	if len(b.buf) == 0 {
		return 4
	}
	return len(b.buf) + len(b.restarts)*4 + 4
}

// Add 追加一条记录，键必须不小于上一条
func (b *BlockBuilder) Add(encodedKey, value []byte) {
	if b.finished {
		panic("block builder: add after finish")
	}
	if b.lastKey != nil && key.Compare(encodedKey, b.lastKey) < 0 {
		panic("block builder: keys added out of order")
	}

	if b.restartCount >= b.restartInterval {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.restartCount = 0
	}

	// 前缀共享恒为 0，整个键重新写入
	const shared = 0
	b.buf = binary.AppendUvarint(b.buf, shared)
	b.buf = binary.AppendUvarint(b.buf, uint64(len(encodedKey)))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, encodedKey...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], encodedKey...)
	b.entryCount++
	b.restartCount++
}

// Finish 追加重启点数组和数量并返回完整的块。
// 返回的切片在 Reset 前有效。
func (b *BlockBuilder) Finish() []byte {
	if !b.finished {
		b.finished = true
		if b.entryCount > 0 {
			for _, r := range b.restarts {
				b.buf = binary.LittleEndian.AppendUint32(b.buf, r)
			}
			b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(b.restarts)))
		} else {
			b.buf = binary.LittleEndian.AppendUint32(b.buf, 0)
		}
	}
	return b.buf
}
