package table

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/xmh1011/go-tps/engine/lsm/key"
)

// blockReader 解析一个数据块：记录区、重启点数组及其数量
type blockReader struct {
	entries  []byte
	restarts []uint32
}

// newBlockReader 解析块内容
func newBlockReader(data []byte) (*blockReader, error) {
	if len(data) < 4 {
		return nil, errors.Errorf("block too short: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint32(data[len(data)-4:])
	if count == 0 {
		return &blockReader{}, nil
	}
	restartsOff := len(data) - 4 - int(count)*4
	if restartsOff < 0 {
		return nil, errors.Errorf("block restart array out of range: count=%d size=%d", count, len(data))
	}
	restarts := make([]uint32, count)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(data[restartsOff+i*4:])
	}
	return &blockReader{
		entries:  data[:restartsOff],
		restarts: restarts,
	}, nil
}

// blockIterator 顺序遍历块内记录，Seek 先在重启点上二分再线性扫描
type blockIterator struct {
	block *blockReader

	offset  int // 当前记录的起始偏移
	nextOff int
	curKey  []byte
	curVal  []byte
	valid   bool
}

func newBlockIterator(block *blockReader) *blockIterator {
	it := &blockIterator{block: block}
	it.SeekToFirst()
	return it
}

func (it *blockIterator) Valid() bool {
	return it.valid
}

func (it *blockIterator) Key() []byte {
	return it.curKey
}

func (it *blockIterator) Value() []byte {
	return it.curVal
}

func (it *blockIterator) Next() {
	if !it.valid {
		return
	}
	it.decodeAt(it.nextOff)
}

func (it *blockIterator) SeekToFirst() {
	it.decodeAt(0)
}

// Seek 定位到第一条不小于 target 的记录
func (it *blockIterator) Seek(target []byte) {
	if len(it.block.restarts) == 0 {
		it.valid = false
		return
	}
	// 找最后一个键不大于 target 的重启点，从那里线性扫描；
	// 重启距离由构建时的 restartInterval 保证有界
	idx := sort.Search(len(it.block.restarts), func(i int) bool {
		k, _, _ := it.block.decodeEntry(int(it.block.restarts[i]))
		return key.Compare(k, target) > 0
	})
	if idx > 0 {
		idx--
	}
	it.decodeAt(int(it.block.restarts[idx]))
	for it.valid && key.Compare(it.curKey, target) < 0 {
		it.Next()
	}
}

func (it *blockIterator) Close() error {
	it.valid = false
	return nil
}

// decodeAt 解码 off 处的记录并定位到它
func (it *blockIterator) decodeAt(off int) {
	if off >= len(it.block.entries) {
		it.valid = false
		return
	}
	k, v, next := it.block.decodeEntry(off)
	it.offset = off
	it.nextOff = next
	it.curKey = k
	it.curVal = v
	it.valid = true
}

// decodeEntry 解码一条记录，返回键、值和下一条记录的偏移。
// 块内容由构建方写出，编码异常说明文件损坏，直接 panic。
func (b *blockReader) decodeEntry(off int) (k, v []byte, next int) {
	data := b.entries
	shared, n1 := binary.Uvarint(data[off:])
	if n1 <= 0 || shared != 0 {
		panic(errors.Errorf("corrupted block entry at offset %d", off))
	}
	off += n1
	nonShared, n2 := binary.Uvarint(data[off:])
	if n2 <= 0 {
		panic(errors.Errorf("corrupted block entry key length at offset %d", off))
	}
	off += n2
	valueLen, n3 := binary.Uvarint(data[off:])
	if n3 <= 0 {
		panic(errors.Errorf("corrupted block entry value length at offset %d", off))
	}
	off += n3
	if off+int(nonShared)+int(valueLen) > len(data) {
		panic(errors.Errorf("corrupted block entry body at offset %d", off))
	}
	k = data[off : off+int(nonShared)]
	off += int(nonShared)
	v = data[off : off+int(valueLen)]
	return k, v, off + int(valueLen)
}
