package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomFilterBasic(t *testing.T) {
	filter := NewBloomFilter(1024, 5)
	keys := make([][]byte, 0, 100)
	for i := 0; i < 100; i++ {
		keys = append(keys, []byte(fmt.Sprintf("entity-%d", i)))
	}
	for _, k := range keys {
		filter.Add(k)
	}

	// 加入过的键必须命中
	for _, k := range keys {
		assert.True(t, filter.MayContain(k))
	}

	// 未加入的键大多数不命中
	misses := 0
	for i := 0; i < 1000; i++ {
		if !filter.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			misses++
		}
	}
	assert.Greater(t, misses, 500, "false positive rate too high")
}

func TestBloomFilterZeroParams(t *testing.T) {
	// 非法参数回退到最小配置，不 panic
	filter := NewBloomFilter(0, 0)
	filter.Add([]byte("a"))
	assert.True(t, filter.MayContain([]byte("a")))
}
