package table

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// 文件尾固定 24 字节：索引块偏移、索引块长度、魔数，均为小端
const (
	footerLen   = 24
	tableMagic  = 0x7470726f70646231 // "tpropdb1"
	maxVarint64 = binary.MaxVarintLen64
)

// blockHandle 指向文件内的一个块
type blockHandle struct {
	offset uint64
	length uint64
}

func (h blockHandle) encode() []byte {
	buf := make([]byte, 0, 2*maxVarint64)
	buf = binary.AppendUvarint(buf, h.offset)
	buf = binary.AppendUvarint(buf, h.length)
	return buf
}

func decodeBlockHandle(data []byte) (blockHandle, error) {
	offset, n1 := binary.Uvarint(data)
	if n1 <= 0 {
		return blockHandle{}, errors.New("corrupted block handle offset")
	}
	length, n2 := binary.Uvarint(data[n1:])
	if n2 <= 0 {
		return blockHandle{}, errors.New("corrupted block handle length")
	}
	return blockHandle{offset: offset, length: length}, nil
}

// Builder 把一串全局有序的键值对写成完整的排序文件：
// 若干数据块、一个索引块和文件尾。索引块每条记录的键是对应数据块的最后一个键，
// 值是该块的 (offset, length)。
type Builder struct {
	w      io.Writer
	opts   Options
	offset uint64

	dataBlock  *BlockBuilder
	indexBlock *BlockBuilder

	pendingIndexEntry bool
	pendingHandle     blockHandle
	lastKey           []byte

	entryCount int
	finished   bool
}

// NewBuilder 创建排序文件构建器，写入目标通常是新建的文件
func NewBuilder(w io.Writer, opts Options) *Builder {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	return &Builder{
		w:          w,
		opts:       opts,
		dataBlock:  NewBlockBuilder(opts.RestartInterval),
		indexBlock: NewBlockBuilder(1),
	}
}

// Add 追加一条记录，键必须全局有序
func (b *Builder) Add(encodedKey, value []byte) error {
	if b.finished {
		return errors.New("table builder: add after finish")
	}
	if b.pendingIndexEntry {
		// 上一个数据块已落盘，补写它的索引项
		b.indexBlock.Add(b.lastKey, b.pendingHandle.encode())
		b.pendingIndexEntry = false
	}

	b.dataBlock.Add(encodedKey, value)
	b.lastKey = append(b.lastKey[:0], encodedKey...)
	b.entryCount++

	if b.dataBlock.CurrentSizeEstimate() >= b.opts.BlockSize {
		return b.flushDataBlock()
	}
	return nil
}

// EntryCount 返回已写入的记录条数
func (b *Builder) EntryCount() int {
	return b.entryCount
}

// FileSize 返回当前已写入的字节数，Finish 之后即最终文件大小
func (b *Builder) FileSize() uint64 {
	return b.offset
}

// Finish 落盘剩余数据块，写出索引块和文件尾
func (b *Builder) Finish() error {
	if b.finished {
		return errors.New("table builder: finish called twice")
	}
	if err := b.flushDataBlock(); err != nil {
		return err
	}
	if b.pendingIndexEntry {
		b.indexBlock.Add(b.lastKey, b.pendingHandle.encode())
		b.pendingIndexEntry = false
	}

	indexHandle, err := b.writeBlock(b.indexBlock)
	if err != nil {
		return errors.Wrap(err, "write index block")
	}

	footer := make([]byte, footerLen)
	binary.LittleEndian.PutUint64(footer[0:8], indexHandle.offset)
	binary.LittleEndian.PutUint64(footer[8:16], indexHandle.length)
	binary.LittleEndian.PutUint64(footer[16:24], tableMagic)
	if _, err = b.w.Write(footer); err != nil {
		return errors.Wrap(err, "write footer")
	}
	b.offset += footerLen
	b.finished = true
	return nil
}

func (b *Builder) flushDataBlock() error {
	if b.dataBlock.IsEmpty() {
		return nil
	}
	handle, err := b.writeBlock(b.dataBlock)
	if err != nil {
		return errors.Wrap(err, "write data block")
	}
	b.pendingHandle = handle
	b.pendingIndexEntry = true
	return nil
}

func (b *Builder) writeBlock(builder *BlockBuilder) (blockHandle, error) {
	content := builder.Finish()
	handle := blockHandle{offset: b.offset, length: uint64(len(content))}
	if _, err := b.w.Write(content); err != nil {
		return blockHandle{}, err
	}
	b.offset += uint64(len(content))
	builder.Reset()
	return handle, nil
}
