package logs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

// Options 日志初始化参数，由 config.LogConfig 转换而来
type Options struct {
	Level      string // trace/debug/verbose/info/warn/error
	JSON       bool
	File       string // 为空时只输出到 stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	NodeID     string
	InstanceID string
}

// Logger 包装 logrus，保持包级函数的调用方式
type Logger struct {
	mu    sync.RWMutex
	level int
	entry *logrus.Entry
}

// 全局 Logger 实例
var logger = newLogger(os.Stdout, LevelInfo)

func newLogger(out io.Writer, level int) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(logrus.TraceLevel)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000000",
	})
	return &Logger{level: level, entry: logrus.NewEntry(base)}
}

// Init 按配置重建全局 Logger
func Init(opts Options) {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	}

	l := newLogger(out, ParseLevel(opts.Level))
	if opts.JSON {
		l.entry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	fields := logrus.Fields{}
	if opts.NodeID != "" {
		fields["node"] = opts.NodeID
	}
	if opts.InstanceID != "" {
		fields["uid"] = opts.InstanceID
	}
	l.entry = l.entry.WithFields(fields)

	logger = l
}

// SetOutput 替换输出（测试用）
func SetOutput(w io.Writer) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entry.Logger.SetOutput(w)
}

// SetLevel 设置全局日志级别
func SetLevel(level int) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.level = level
}

// GetLevel 当前日志级别
func GetLevel() int {
	logger.mu.RLock()
	defer logger.mu.RUnlock()
	return logger.level
}

// ParseLevel 解析配置里的级别字符串，无法识别时回退到 info
func ParseLevel(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "verbose":
		return LevelVerbose
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func enabled(level int) bool {
	logger.mu.RLock()
	defer logger.mu.RUnlock()
	return logger.level <= level
}

// 包级别的日志方法
func Trace(format string, v ...interface{}) {
	if enabled(LevelTrace) {
		logger.entry.Tracef(format, v...)
	}
}

func Debug(format string, v ...interface{}) {
	if enabled(LevelDebug) {
		logger.entry.Debugf(format, v...)
	}
}

// Verbose logrus 没有对应级别，按 debug 输出并加标记
func Verbose(format string, v ...interface{}) {
	if enabled(LevelVerbose) {
		logger.entry.WithField("verbose", true).Debugf(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if enabled(LevelInfo) {
		logger.entry.Infof(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if enabled(LevelWarning) {
		logger.entry.Warnf(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if enabled(LevelError) {
		logger.entry.Errorf(format, v...)
	}
}
