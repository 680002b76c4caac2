package filename

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileNames(t *testing.T) {
	assert.Equal(t, "unstable-0.prop", UnstableFileName(0))
	assert.Equal(t, "unstable-4.buf", UnstableBufferName(4))
	assert.Equal(t, "stable-17.prop", StableFileName(17))
	assert.Equal(t, "stable-17.buf", StableBufferName(17))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("root", "42"), PropertyDir("root", 42))
	assert.Equal(t, filepath.Join("root", "meta.tps"), MetaFilePath("root"))
}

func TestClassifiers(t *testing.T) {
	assert.True(t, IsBufferFile("unstable-0.buf"))
	assert.False(t, IsBufferFile("unstable-0.prop"))
	assert.True(t, IsStableFile("stable-3.buf"))
	assert.False(t, IsStableFile("unstable-3.buf"))
}
