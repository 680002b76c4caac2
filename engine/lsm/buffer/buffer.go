// 覆盖缓冲（FileBuffer）给已经落盘的排序文件叠加一层延迟写入的增量。
// 增量以追加方式写入 <base>.buf 文件保证持久化，同时维护一份有序的内存索引
// 供读取与合并使用。合并把缓冲与其基础文件一起消费掉之后，缓冲文件随基础
// 文件一同删除。
package buffer

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/xmh1011/go-tps/engine/lsm/iterator"
	"github.com/xmh1011/go-tps/engine/lsm/memtable"
	"github.com/xmh1011/go-tps/pkg/log"
)

const defaultBufferFileMode = 0o666

// FileBuffer 是某个排序文件的追加式覆盖缓冲
type FileBuffer struct {
	path string
	file *os.File
	mem  *memtable.MemTable
}

// NewFileBuffer 打开（或创建）覆盖缓冲，已有内容会被重放进内存索引
func NewFileBuffer(path string) (*FileBuffer, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, defaultBufferFileMode)
	if err != nil {
		log.Errorf("[FileBuffer] Open buffer file %s failed: %s", path, err.Error())
		return nil, errors.Wrapf(err, "open buffer file %s", path)
	}

	b := &FileBuffer{
		path: path,
		file: file,
		mem:  memtable.NewMemTable(),
	}
	if err = b.replay(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return b, nil
}

// replay 把缓冲文件中的记录重放进内存索引
func (b *FileBuffer) replay() error {
	raw, err := io.ReadAll(b.file)
	if err != nil {
		return errors.Wrapf(err, "read buffer file %s", b.path)
	}
	count := 0
	for off := 0; off < len(raw); {
		if off+8 > len(raw) {
			return errors.Errorf("truncated buffer record header in %s", b.path)
		}
		keyLen := binary.LittleEndian.Uint32(raw[off:])
		valLen := binary.LittleEndian.Uint32(raw[off+4:])
		off += 8
		if off+int(keyLen)+int(valLen) > len(raw) {
			return errors.Errorf("truncated buffer record body in %s", b.path)
		}
		k := raw[off : off+int(keyLen)]
		off += int(keyLen)
		v := raw[off : off+int(valLen)]
		off += int(valLen)
		b.mem.AddRaw(append([]byte(nil), k...), append([]byte(nil), v...))
		count++
	}
	if count > 0 {
		log.Debugf("[FileBuffer] Replayed %d entries from %s", count, b.path)
	}
	return nil
}

// Append 追加一条延迟写入，先落文件再进内存索引
func (b *FileBuffer) Append(encodedKey, value []byte) error {
	if b.file == nil {
		return errors.New("buffer file is closed")
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(encodedKey)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(value)))
	for _, chunk := range [][]byte{header, encodedKey, value} {
		if _, err := b.file.Write(chunk); err != nil {
			log.Errorf("[FileBuffer] Append to %s failed: %s", b.path, err.Error())
			return errors.Wrapf(err, "append to buffer %s", b.path)
		}
	}
	b.mem.AddRaw(encodedKey, value)
	return nil
}

// IsEmpty 返回缓冲是否为空
func (b *FileBuffer) IsEmpty() bool {
	return b.mem.IsEmpty()
}

// Path 返回缓冲文件路径
func (b *FileBuffer) Path() string {
	return b.path
}

// NewIterator 返回按比较器顺序遍历缓冲的迭代器
func (b *FileBuffer) NewIterator() iterator.Iterator {
	return b.mem.NewIterator()
}

// Sync 将缓冲文件刷盘
func (b *FileBuffer) Sync() error {
	if b.file == nil {
		return nil
	}
	return b.file.Sync()
}

// Close 关闭缓冲文件
func (b *FileBuffer) Close() error {
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

// DeleteFile 关闭并删除缓冲文件
func (b *FileBuffer) DeleteFile() error {
	_ = b.Close()
	log.Debugf("[FileBuffer] Deleting buffer file: %s", b.path)
	return os.Remove(b.path)
}
