package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// 错误日志单独落到 <filename>.wf，排查问题时不用翻全量日志
const errorLogFileSuffix = "wf"

var logger *logrus.Logger

func init() {
	// 默认输出到控制台，加载配置后由 Init 重建输出
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(defaultFormatter())
	logger.SetLevel(logrus.InfoLevel)
}

// Config 日志配置
type Config struct {
	Filename   string `mapstructure:"filename"`    // 日志文件路径
	MaxSize    int    `mapstructure:"max_size"`    // 单个日志文件最大大小（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `mapstructure:"max_age"`     // 保留的旧日志文件最大天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
	Level      string `mapstructure:"level"`       // 日志级别 (debug, info, warn, error, fatal, panic)
	Console    bool   `mapstructure:"console"`     // 是否同时输出到控制台
}

func defaultFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        time.DateTime,
		DisableLevelTruncation: true,
	}
}

// Init 根据配置初始化日志输出
func Init(cfg Config) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(defaultFormatter())

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, os.Stdout)
	}
	if cfg.Filename != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}
	if len(writers) > 0 {
		logger.SetOutput(io.MultiWriter(writers...))
	} else {
		logger.SetOutput(os.Stdout)
	}

	if cfg.Filename != "" {
		// Error 及以上级别额外写一份到独立文件
		logger.AddHook(&errorHook{
			writer: &lumberjack.Logger{
				Filename:   fmt.Sprintf("%s.%s", cfg.Filename, errorLogFileSuffix),
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			},
			formatter: logger.Formatter,
		})
	}
}

// errorHook 将错误日志复制写入单独的文件
type errorHook struct {
	writer    io.Writer
	formatter logrus.Formatter
}

func (h *errorHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h *errorHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// Debug 输出 Debug 级别日志
func Debug(args ...interface{}) {
	logger.Debug(args...)
}

// Debugf 输出 Debug 级别格式化日志
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Info 输出 Info 级别日志
func Info(args ...interface{}) {
	logger.Info(args...)
}

// Infof 输出 Info 级别格式化日志
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warn 输出 Warn 级别日志
func Warn(args ...interface{}) {
	logger.Warn(args...)
}

// Warnf 输出 Warn 级别格式化日志
func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Error 输出 Error 级别日志
func Error(args ...interface{}) {
	logger.Error(args...)
}

// Errorf 输出 Error 级别格式化日志
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatal 输出 Fatal 级别日志，并退出程序
func Fatal(args ...interface{}) {
	logger.Fatal(args...)
}

// Fatalf 输出 Fatal 级别格式化日志，并退出程序
func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

// Panicf 输出 Panic 级别格式化日志，并触发 panic
func Panicf(format string, args ...interface{}) {
	logger.Panicf(format, args...)
}

// WithFields 添加结构化字段
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return logger.WithFields(fields)
}

// GetLogger 获取原始 logger 实例
func GetLogger() *logrus.Logger {
	return logger
}
