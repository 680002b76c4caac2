package buffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/go-tps/engine/lsm/key"
)

func TestFileBufferAppendAndIterate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unstable-0.buf")
	b, err := NewFileBuffer(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.True(t, b.IsEmpty())

	// 乱序追加，读取仍然有序
	require.NoError(t, b.Append(key.NewValueKey(1, 7, 10).Encode(), []byte("t10")))
	require.NoError(t, b.Append(key.NewValueKey(1, 7, 30).Encode(), []byte("t30")))
	require.NoError(t, b.Append(key.NewValueKey(1, 7, 20).Encode(), []byte("t20")))
	assert.False(t, b.IsEmpty())

	var got []string
	for it := b.NewIterator(); it.Valid(); it.Next() {
		got = append(got, string(it.Value()))
	}
	assert.Equal(t, []string{"t30", "t20", "t10"}, got)
}

func TestFileBufferReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stable-1.buf")

	b, err := NewFileBuffer(path)
	require.NoError(t, err)
	require.NoError(t, b.Append(key.NewValueKey(1, 7, 10).Encode(), []byte("a")))
	require.NoError(t, b.Append(key.NewValueKey(1, 8, 20).Encode(), []byte("b")))
	require.NoError(t, b.Sync())
	require.NoError(t, b.Close())

	// 重新打开后内容重放进内存索引
	reopened, err := NewFileBuffer(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	count := 0
	for it := reopened.NewIterator(); it.Valid(); it.Next() {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestFileBufferTruncatedReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unstable-1.buf")
	b, err := NewFileBuffer(path)
	require.NoError(t, err)
	require.NoError(t, b.Append(key.NewValueKey(1, 7, 10).Encode(), []byte("a")))
	require.NoError(t, b.Close())

	// 截断最后一个字节模拟写入中断
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-1], 0o644))

	_, err = NewFileBuffer(path)
	assert.Error(t, err)
}

func TestFileBufferDeleteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unstable-2.buf")
	b, err := NewFileBuffer(path)
	require.NoError(t, err)
	require.NoError(t, b.Append(key.NewValueKey(1, 7, 10).Encode(), []byte("a")))

	require.NoError(t, b.DeleteFile())
	assert.NoFileExists(t, path)

	// 已关闭之后追加报错
	assert.Error(t, b.Append(key.NewValueKey(1, 7, 20).Encode(), []byte("b")))
}
