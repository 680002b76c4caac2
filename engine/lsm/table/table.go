package table

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/xmh1011/go-tps/engine/lsm/iterator"
	"github.com/xmh1011/go-tps/engine/lsm/key"
	"github.com/xmh1011/go-tps/engine/lsm/table/bloom"
	"github.com/xmh1011/go-tps/pkg/log"
)

// indexEntry 是索引块的一条解析结果
type indexEntry struct {
	lastKey []byte
	handle  blockHandle
}

// Table 是打开的只读排序文件，通过 mmap 访问。
// 加载后不可变，多个迭代器可以并存。
// 引用计数解决缓存、表、迭代器之间的归属环：缓存持有一个引用，
// 每个迭代器再持有一个，计数归零时才真正解除映射并关闭文件。
// 缓存淘汰后未关闭的迭代器因此仍然有效。
type Table struct {
	path   string
	file   *os.File
	data   mmap.MMap
	index  []indexEntry
	filter *bloom.BloomFilter
	size   int64
	refs   atomic.Int32
}

// Open 打开排序文件并解析文件尾与索引块。
// 返回的 Table 带有一个属于调用方的引用。
func Open(path string, opts Options) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open table %s", path)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "stat table %s", path)
	}
	if info.Size() < footerLen {
		_ = file.Close()
		return nil, errors.Errorf("table %s too short: %d bytes", path, info.Size())
	}
	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "mmap table %s", path)
	}

	t := &Table{
		path: path,
		file: file,
		data: data,
		size: info.Size(),
	}
	if err = t.parseIndex(); err != nil {
		_ = data.Unmap()
		_ = file.Close()
		return nil, err
	}
	if opts.BloomBits > 0 {
		t.buildFilter(opts)
	}
	t.refs.Store(1)
	return t, nil
}

func (t *Table) parseIndex() error {
	footer := t.data[t.size-footerLen:]
	if binary.LittleEndian.Uint64(footer[16:24]) != tableMagic {
		return errors.Errorf("table %s: bad magic", t.path)
	}
	indexOff := binary.LittleEndian.Uint64(footer[0:8])
	indexLen := binary.LittleEndian.Uint64(footer[8:16])
	if indexOff+indexLen > uint64(t.size)-footerLen {
		return errors.Errorf("table %s: index block out of range", t.path)
	}

	reader, err := newBlockReader(t.data[indexOff : indexOff+indexLen])
	if err != nil {
		return errors.Wrapf(err, "parse index block of %s", t.path)
	}
	for it := newBlockIterator(reader); it.Valid(); it.Next() {
		handle, err := decodeBlockHandle(it.Value())
		if err != nil {
			return errors.Wrapf(err, "decode block handle of %s", t.path)
		}
		t.index = append(t.index, indexEntry{
			lastKey: append([]byte(nil), it.Key()...),
			handle:  handle,
		})
	}
	return nil
}

// buildFilter 扫描全部键，在内存里构建 (propertyId, entityId) 布隆过滤器
func (t *Table) buildFilter(opts Options) {
	filter := bloom.NewBloomFilter(opts.BloomBits, opts.BloomHashes)
	for it := t.newRawIterator(); it.Valid(); it.Next() {
		filter.Add(it.Key()[:12])
	}
	t.filter = filter
}

// Path 返回文件路径
func (t *Table) Path() string {
	return t.path
}

// Size 返回文件大小
func (t *Table) Size() int64 {
	return t.size
}

// Retain 增加一个引用
func (t *Table) Retain() {
	t.refs.Add(1)
}

// Release 释放一个引用，计数归零时解除映射并关闭文件
func (t *Table) Release() {
	if t.refs.Add(-1) > 0 {
		return
	}
	if err := t.data.Unmap(); err != nil {
		log.Errorf("[Table] Unmap %s error: %s", t.path, err.Error())
	}
	if err := t.file.Close(); err != nil {
		log.Errorf("[Table] Close %s error: %s", t.path, err.Error())
	}
}

// Get 精确查找一条记录，布隆过滤器先行短路
func (t *Table) Get(encodedKey []byte) ([]byte, bool) {
	if t.filter != nil && !t.filter.MayContain(encodedKey[:12]) {
		return nil, false
	}
	it := t.NewIterator()
	defer func() { _ = it.Close() }()
	it.Seek(encodedKey)
	if it.Valid() && bytes.Equal(it.Key(), encodedKey) {
		return it.Value(), true
	}
	return nil, false
}

// NewIterator 返回按比较器顺序遍历全文件的迭代器。
// 迭代器持有 Table 的引用，Close 时释放。
func (t *Table) NewIterator() iterator.Iterator {
	t.Retain()
	it := t.newRawIterator()
	it.owned = true
	return it
}

func (t *Table) newRawIterator() *tableIterator {
	it := &tableIterator{table: t}
	it.SeekToFirst()
	return it
}

// tableIterator 是两级迭代器：外层走索引块，内层走数据块
type tableIterator struct {
	table    *Table
	blockIdx int
	block    *blockIterator
	owned    bool // 是否持有 table 引用
	closed   bool
}

func (it *tableIterator) Valid() bool {
	return it.block != nil && it.block.Valid()
}

func (it *tableIterator) Key() []byte {
	return it.block.Key()
}

func (it *tableIterator) Value() []byte {
	return it.block.Value()
}

func (it *tableIterator) Next() {
	if !it.Valid() {
		return
	}
	it.block.Next()
	for !it.block.Valid() {
		it.blockIdx++
		if it.blockIdx >= len(it.table.index) {
			it.block = nil
			return
		}
		it.openBlock(it.blockIdx)
	}
}

// Seek 先在索引上二分找到可能包含 target 的数据块，再在块内定位
func (it *tableIterator) Seek(target []byte) {
	idx := sort.Search(len(it.table.index), func(i int) bool {
		return key.Compare(it.table.index[i].lastKey, target) >= 0
	})
	if idx >= len(it.table.index) {
		it.block = nil
		return
	}
	it.blockIdx = idx
	it.openBlock(idx)
	it.block.Seek(target)
	for !it.block.Valid() {
		it.blockIdx++
		if it.blockIdx >= len(it.table.index) {
			it.block = nil
			return
		}
		it.openBlock(it.blockIdx)
	}
}

func (it *tableIterator) SeekToFirst() {
	if len(it.table.index) == 0 {
		it.block = nil
		return
	}
	it.blockIdx = 0
	it.openBlock(0)
	for !it.block.Valid() {
		it.blockIdx++
		if it.blockIdx >= len(it.table.index) {
			it.block = nil
			return
		}
		it.openBlock(it.blockIdx)
	}
}

func (it *tableIterator) Close() error {
	if it.owned && !it.closed {
		it.closed = true
		it.table.Release()
	}
	it.block = nil
	return nil
}

func (it *tableIterator) openBlock(idx int) {
	handle := it.table.index[idx].handle
	reader, err := newBlockReader(it.table.data[handle.offset : handle.offset+handle.length])
	if err != nil {
		// 索引指向的块解析失败说明文件损坏
		panic(errors.Wrapf(err, "corrupted data block %d of %s", idx, it.table.path))
	}
	it.block = newBlockIterator(reader)
}
