package filename

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// 属性目录下的文件命名：
//   unstable-<k>.prop  第 k 槽的非稳定排序文件，k ∈ {0..4}
//   unstable-<k>.buf   第 k 槽的覆盖缓冲
//   stable-<id>.prop   稳定排序文件，id 单调递增
//   stable-<id>.buf    稳定文件的覆盖缓冲
// 存储根目录下的 meta.tps 保存全部属性的元信息。

const (
	tableSuffix  = ".prop"
	bufferSuffix = ".buf"

	// MetaFileName 是元信息文件名
	MetaFileName = "meta.tps"
)

// UnstableFileName 返回非稳定文件的文件名
func UnstableFileName(slot uint64) string {
	return fmt.Sprintf("unstable-%d%s", slot, tableSuffix)
}

// UnstableBufferName 返回非稳定文件覆盖缓冲的文件名
func UnstableBufferName(slot uint64) string {
	return fmt.Sprintf("unstable-%d%s", slot, bufferSuffix)
}

// StableFileName 返回稳定文件的文件名
func StableFileName(id uint64) string {
	return fmt.Sprintf("stable-%d%s", id, tableSuffix)
}

// StableBufferName 返回稳定文件覆盖缓冲的文件名
func StableBufferName(id uint64) string {
	return fmt.Sprintf("stable-%d%s", id, bufferSuffix)
}

// PropertyDir 返回某属性的存储目录
func PropertyDir(root string, propertyID uint32) string {
	return filepath.Join(root, strconv.FormatUint(uint64(propertyID), 10))
}

// MetaFilePath 返回元信息文件路径
func MetaFilePath(root string) string {
	return filepath.Join(root, MetaFileName)
}

// IsBufferFile 判断文件名是否为覆盖缓冲
func IsBufferFile(name string) bool {
	return strings.HasSuffix(name, bufferSuffix)
}

// IsStableFile 判断文件名是否属于稳定层
func IsStableFile(name string) bool {
	return strings.HasPrefix(name, "stable-")
}
