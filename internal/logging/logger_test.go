package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production", "")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", logger.Handler())
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development", "")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	logger := NewLogger("staging", "")

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "unknown env logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_Production_InfoLevel(t *testing.T) {
	logger := NewLogger("production", "")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_Development_DebugLevel(t *testing.T) {
	logger := NewLogger("development", "")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_LevelOverride(t *testing.T) {
	logger := NewLogger("development", "warn")
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))

	logger = NewLogger("production", "debug")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{" warning ", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, false},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDiscard_DropsEverything(t *testing.T) {
	logger := Discard()
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}
