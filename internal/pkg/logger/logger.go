package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault 创建输出到 stdout 的 JSON 结构化日志记录器。
//
// level 取值: debug / info / warn / error，无法识别时回退为 info。
func NewDefault(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
