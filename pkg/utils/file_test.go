package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractID(t *testing.T) {
	tests := []struct {
		name string
		file string
		want uint64
	}{
		{
			name: "stable file",
			file: "stable-17.prop",
			want: 17,
		},
		{
			name: "unstable buffer",
			file: "unstable-3.buf",
			want: 3,
		},
		{
			name: "no id",
			file: "meta.tps",
			want: 0,
		},
		{
			name: "not a number",
			file: "stable-x.prop",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractID(tt.file))
		})
	}
}

func TestAtomicWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.tps")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), 0o644))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(raw))

	// 覆盖写入后不留临时文件
	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0o644))
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(raw))

	files, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
