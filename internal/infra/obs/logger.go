package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger builds the process logger on stdout. LOG_LEVEL overrides the level.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env, os.Getenv("LOG_LEVEL"))
}

// NewLoggerTo uses tint for dev and local, JSON elsewhere. level takes slog
// names ("debug", "warn"); empty means debug in dev and info otherwise.
func NewLoggerTo(w io.Writer, env, level string) *slog.Logger {
	env = strings.ToLower(strings.TrimSpace(env))
	dev := env == "dev" || env == "local"
	lvl := slog.LevelInfo
	if dev {
		lvl = slog.LevelDebug
	}
	if level != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(level)); err == nil {
			lvl = parsed
		}
	}
	if dev {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
			AddSource:  true,
		}))
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
	})
	return slog.New(handler).With("service", "marketchat", "env", env)
}
