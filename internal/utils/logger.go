package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	mainLogName  = "crawlscale.log"
	errorLogName = "crawlscale_error.log"
)

// Logger 全局日志器,InitLogger之前不输出
var Logger zerolog.Logger

var (
	filesMu  sync.Mutex
	logFiles []*lumberjack.Logger
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string    // trace, debug, info, warn, error
	LogDir     string    // 为空时只输出到控制台
	MaxSize    int       // 单个日志文件最大大小(MB)
	MaxBackups int       // 保留的旧日志文件数量
	MaxAge     int       // 保留天数
	Compress   bool      // 是否压缩旧日志
	Console    io.Writer // 为nil时输出到标准输出
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		LogDir:     "logs",
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// ParseLevel 解析日志级别,空字符串视为info
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel, &models.ConfigError{Field: "logging.level", Reason: fmt.Sprintf("未知的日志级别 %q", level)}
	}
	return parsed, nil
}

// InitLogger 初始化全局日志
// 控制台输出全部级别;配置了LogDir时额外写入轮转的主日志和只含错误的错误日志
// 重复调用会先关闭上一次打开的日志文件
func InitLogger(config LogConfig) error {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return err
	}

	writers := []io.Writer{consoleWriter(config.Console)}
	var files []*lumberjack.Logger
	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0755); err != nil {
			return fmt.Errorf("创建日志目录失败: %w", err)
		}
		mainFile := rotatingFile(config, mainLogName)
		errorFile := rotatingFile(config, errorLogName)
		files = append(files, mainFile, errorFile)
		writers = append(writers, mainFile, &levelFilter{Writer: errorFile, MinLevel: zerolog.ErrorLevel})
	}

	if err := CloseLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "关闭旧日志文件失败: %v\n", err)
	}
	filesMu.Lock()
	logFiles = files
	filesMu.Unlock()

	zerolog.SetGlobalLevel(level)
	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger()
	log.Logger = Logger

	Logger.Debug().
		Str("level", level.String()).
		Str("log_dir", config.LogDir).
		Msg("日志系统初始化完成")
	return nil
}

// CloseLogger 关闭日志文件,之后日志只输出到控制台
func CloseLogger() error {
	filesMu.Lock()
	files := logFiles
	logFiles = nil
	filesMu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Component 带组件名的日志器
// 在InitLogger之后调用才会写入日志文件
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	if out == nil {
		out = os.Stdout
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    out != os.Stdout,
	}
}

func rotatingFile(config LogConfig, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(config.LogDir, name),
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
}

// levelFilter 只写入MinLevel及以上的日志
type levelFilter struct {
	Writer   io.Writer
	MinLevel zerolog.Level
}

func (w *levelFilter) Write(p []byte) (int, error) {
	return len(p), nil
}

func (w *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.MinLevel {
		return len(p), nil
	}
	return w.Writer.Write(p)
}

// Info 信息日志
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Infof 格式化信息日志
func Infof(format string, args ...interface{}) {
	Logger.Info().Msgf(format, args...)
}

// Warnf 格式化警告日志
func Warnf(format string, args ...interface{}) {
	Logger.Warn().Msgf(format, args...)
}

// Errorf 格式化错误日志
func Errorf(format string, args ...interface{}) {
	Logger.Error().Msgf(format, args...)
}

// Debugf 格式化调试日志
func Debugf(format string, args ...interface{}) {
	Logger.Debug().Msgf(format, args...)
}
