package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/xmh1011/go-tps/pkg/log"
)

// Conf 是全局配置实例
var Conf AppConfig

// --- 配置项键名常量 ---
const (
	// Log
	KeyLogFilename   = "log.filename"
	KeyLogLevel      = "log.level"
	KeyLogMaxSize    = "log.max_size"
	KeyLogMaxBackups = "log.max_backups"
	KeyLogMaxAge     = "log.max_age"
	KeyLogCompress   = "log.compress"
	KeyLogConsole    = "log.console"

	// Store
	KeyStoreRootPath        = "store.root_path"
	KeyStoreBlockSize       = "store.block_size"
	KeyStoreRestartInterval = "store.restart_interval"
	KeyStoreTableCacheSize  = "store.table_cache_size"
	KeyStoreMaxMemTableSize = "store.max_mem_table_size"
	KeyStoreBloomBits       = "store.bloom_bits"
	KeyStoreBloomHashes     = "store.bloom_hashes"
	KeyStoreMetricsAddr     = "store.metrics_addr"
)

// --- 默认值常量 ---
const (
	DefaultDataDir       = "./data"
	DefaultLogFilename   = "go-tps.log"
	DefaultLogLevel      = "info"
	DefaultLogMaxSize    = 100 // MB
	DefaultLogMaxBackups = 5
	DefaultLogMaxAge     = 30 // days

	DefaultBlockSize       = 4 * 1024 // 数据块目标大小
	DefaultRestartInterval = 16
	DefaultTableCacheSize  = 128
	DefaultMaxMemTableSize = 2 * 1024 * 1024 // 2MB
	DefaultBloomBits       = 8 * 1024
	DefaultBloomHashes     = 5
	DefaultMetricsAddr     = ":9190"
)

// AppConfig 是总配置结构体
type AppConfig struct {
	Log   log.Config  `mapstructure:"log"`
	Store StoreConfig `mapstructure:"store"`
}

// StoreConfig 包含了时序属性存储引擎的配置
type StoreConfig struct {
	RootPath        string `mapstructure:"root_path"`
	BlockSize       int    `mapstructure:"block_size"`
	RestartInterval int    `mapstructure:"restart_interval"`
	TableCacheSize  int    `mapstructure:"table_cache_size"`
	MaxMemTableSize int    `mapstructure:"max_mem_table_size"`
	BloomBits       uint   `mapstructure:"bloom_bits"`
	BloomHashes     uint   `mapstructure:"bloom_hashes"`
	MetricsAddr     string `mapstructure:"metrics_addr"`
}

// Init 初始化配置
func Init(configPath string) error {
	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		log.Info("No config file provided, using default values.")
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	log.Init(Conf.Log)
	log.Info("Config loaded successfully")

	// 监听配置文件变化（热更新）
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Infof("Config file changed: %s", e.Name)
		if err := viper.Unmarshal(&Conf); err != nil {
			log.Errorf("Failed to re-unmarshal config: %v", err)
			return
		}
		log.Init(Conf.Log)
		log.Info("Config reloaded and applied")
	})

	return nil
}

func setDefaults() {
	// Log
	viper.SetDefault(KeyLogFilename, DefaultLogFilename)
	viper.SetDefault(KeyLogLevel, DefaultLogLevel)
	viper.SetDefault(KeyLogMaxSize, DefaultLogMaxSize)
	viper.SetDefault(KeyLogMaxBackups, DefaultLogMaxBackups)
	viper.SetDefault(KeyLogMaxAge, DefaultLogMaxAge)
	viper.SetDefault(KeyLogCompress, true)
	viper.SetDefault(KeyLogConsole, true)

	// Store
	viper.SetDefault(KeyStoreRootPath, DefaultDataDir)
	viper.SetDefault(KeyStoreBlockSize, DefaultBlockSize)
	viper.SetDefault(KeyStoreRestartInterval, DefaultRestartInterval)
	viper.SetDefault(KeyStoreTableCacheSize, DefaultTableCacheSize)
	viper.SetDefault(KeyStoreMaxMemTableSize, DefaultMaxMemTableSize)
	viper.SetDefault(KeyStoreBloomBits, DefaultBloomBits)
	viper.SetDefault(KeyStoreBloomHashes, DefaultBloomHashes)
	viper.SetDefault(KeyStoreMetricsAddr, DefaultMetricsAddr)
}

// GetConfig 获取配置副本
func GetConfig() AppConfig {
	return Conf
}

// GetRootPath 返回存储根目录
func GetRootPath() string {
	return Conf.Store.RootPath
}
