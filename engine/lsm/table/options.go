package table

// Options 控制排序文件的构建与读取
type Options struct {
	// BlockSize 是数据块的目标大小，写满后切换下一块
	BlockSize int
	// RestartInterval 是块内重启点间隔
	RestartInterval int
	// BloomBits 是打开文件时构建的内存布隆过滤器位数，0 表示关闭
	BloomBits uint
	// BloomHashes 是布隆过滤器哈希函数个数
	BloomHashes uint
}

// 默认值与原系统保持一致：4KiB 数据块、16 条记录一个重启点
const (
	DefaultBlockSize       = 4 * 1024
	DefaultRestartInterval = 16
	DefaultBloomBits       = 8 * 1024
	DefaultBloomHashes     = 5
)

// NewDefaultOptions 返回默认配置
func NewDefaultOptions() Options {
	return Options{
		BlockSize:       DefaultBlockSize,
		RestartInterval: DefaultRestartInterval,
		BloomBits:       DefaultBloomBits,
		BloomHashes:     DefaultBloomHashes,
	}
}
