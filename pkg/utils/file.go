package utils

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ExtractID 从形如 "stable-17.prop" 的文件名中提取数字 id，解析失败返回 0
func ExtractID(name string) uint64 {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.LastIndexByte(base, '-')
	if idx < 0 || idx+1 >= len(base) {
		return 0
	}
	id, err := strconv.ParseUint(base[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// AtomicWriteFile 先写临时文件并落盘，再原子重命名覆盖目标文件。
// 重命名前内容已经 fsync，要么看到完整的新文件，要么保留旧文件。
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename temp file")
	}
	tmpName = ""
	return nil
}
