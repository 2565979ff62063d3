package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the default logger, writing text records to stderr at the
// level named by LOG_LEVEL.
func Init() {
	InitTo(os.Stderr)
}

// InitTo is Init with a custom destination. The room view uses it to keep
// records off the terminal it draws on.
func InitTo(w io.Writer) {
	level := slog.LevelError // default: production only shows errors
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l)
	}

	logger := slog.New(
		slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values fall
// back to error.
func ParseLevel(l string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "trace":
		return LevelTrace
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
