package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info, development uses human-readable
// text at debug. A non-empty level overrides the environment default.
func NewLogger(env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		opts.Level = slog.LevelDebug
	}

	if lvl, ok := ParseLevel(level); ok {
		opts.Level = lvl
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown or
// empty strings report false.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}

	return slog.LevelInfo, false
}

// Discard returns a logger that drops everything. Used by tests and by
// commands that print their own output.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
