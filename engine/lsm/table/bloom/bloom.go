package bloom

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/twmb/murmur3"
)

// BloomFilter 是基于 murmur3 双哈希的布隆过滤器。
// 表文件打开时在内存中构建，用于点查时跳过一定不含目标实体的文件，不落盘。
type BloomFilter struct {
	bits   *bitset.BitSet
	m      uint
	hashes uint
}

// NewBloomFilter 创建 m 位、k 个哈希函数的过滤器
func NewBloomFilter(m, k uint) *BloomFilter {
	if m == 0 {
		m = 1
	}
	if k == 0 {
		k = 1
	}
	return &BloomFilter{
		bits:   bitset.New(m),
		m:      m,
		hashes: k,
	}
}

// Add 加入一个键
func (f *BloomFilter) Add(data []byte) {
	h1, h2 := murmur3.Sum128(data)
	for i := uint(0); i < f.hashes; i++ {
		f.bits.Set(f.position(h1, h2, i))
	}
}

// MayContain 判断键是否可能存在，返回 false 则一定不存在
func (f *BloomFilter) MayContain(data []byte) bool {
	h1, h2 := murmur3.Sum128(data)
	for i := uint(0); i < f.hashes; i++ {
		if !f.bits.Test(f.position(h1, h2, i)) {
			return false
		}
	}
	return true
}

// position 用双哈希法派生第 i 个位下标
func (f *BloomFilter) position(h1, h2 uint64, i uint) uint {
	return uint((h1 + uint64(i)*h2) % uint64(f.m))
}
