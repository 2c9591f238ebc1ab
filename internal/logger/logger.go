// Package logger 根据 log 配置构建结构化日志器
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"session-orchestrator/internal/config"
)

// New 创建 slog.Logger 并设置为全局默认日志器
// format 为 text 时输出便于阅读的文本，否则输出 JSON
func New(cfg config.LogConfig) *slog.Logger {
	l := NewWithWriter(os.Stdout, cfg)
	slog.SetDefault(l)
	return l
}

// NewWithWriter 使用指定输出创建日志器，不修改全局默认值
func NewWithWriter(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level
// 无法识别的值按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard 返回丢弃所有输出的日志器，测试中使用
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
