package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger 定义日志记录器接口
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
}

// Level 日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format 日志格式
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config 日志配置
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"
	Output string // "stdout", "stderr", or file path
}

// sink 由同一根 logger 派生的子 logger 共享输出与锁
type sink struct {
	mu     sync.Mutex
	output io.Writer
	closer io.Closer
}

// DefaultLogger 默认日志记录器实现
type DefaultLogger struct {
	level     Level
	format    Format
	component string
	base      map[string]interface{}
	out       *sink
}

// NewLogger 创建新的日志记录器
func NewLogger(cfg *Config) (*DefaultLogger, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	s := &sink{}
	switch cfg.Output {
	case "stdout", "":
		s.output = os.Stdout
	case "stderr":
		s.output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		s.output = f
		s.closer = f
	}

	return &DefaultLogger{
		level:  ParseLevel(cfg.Level),
		format: parseFormat(cfg.Format),
		out:    s,
	}, nil
}

// NewWriterLogger 创建写入任意 io.Writer 的日志记录器
func NewWriterLogger(w io.Writer, level Level, format Format) *DefaultLogger {
	return &DefaultLogger{
		level:  level,
		format: format,
		out:    &sink{output: w},
	}
}

// Named 返回带组件名的子 logger
func (l *DefaultLogger) Named(component string) *DefaultLogger {
	child := *l
	if l.component != "" {
		child.component = l.component + "." + component
	} else {
		child.component = component
	}
	return &child
}

// With 返回附带固定字段的子 logger
func (l *DefaultLogger) With(fields ...interface{}) *DefaultLogger {
	child := *l
	child.base = make(map[string]interface{}, len(l.base)+len(fields)/2)
	for k, v := range l.base {
		child.base[k] = v
	}
	addFields(child.base, fields)
	return &child
}

// Close 关闭文件输出
func (l *DefaultLogger) Close() error {
	if l.out.closer == nil {
		return nil
	}
	return l.out.closer.Close()
}

// ParseLevel 解析日志级别字符串
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func parseFormat(s string) Format {
	if s == "json" {
		return FormatJSON
	}
	return FormatText
}

func addFields(dst map[string]interface{}, fields []interface{}) {
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		if err, ok := fields[i+1].(error); ok {
			dst[key] = err.Error()
			continue
		}
		dst[key] = fields[i+1]
	}
}

func (l *DefaultLogger) log(level Level, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     levelString(level),
		Component: l.component,
		Message:   msg,
		Fields:    make(map[string]interface{}, len(l.base)+len(fields)/2),
	}
	for k, v := range l.base {
		entry.Fields[k] = v
	}
	addFields(entry.Fields, fields)

	var line string
	if l.format == FormatJSON {
		data, _ := json.Marshal(entry)
		line = string(data)
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s:", entry.Timestamp, entry.Level)
		if entry.Component != "" {
			fmt.Fprintf(&b, " (%s)", entry.Component)
		}
		b.WriteString(" ")
		b.WriteString(entry.Message)

		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
		}
		line = b.String()
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	fmt.Fprintln(l.out.output, line)
}

func levelString(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Debug 记录调试级别日志
func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info 记录信息级别日志
func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn 记录警告级别日志
func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error 记录错误级别日志
func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.log(LevelError, msg, fields...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Nop 返回丢弃所有输出的 logger
func Nop() Logger { return nopLogger{} }

// OrNop 在 l 为 nil 时返回 Nop()
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
