package pmemkv

import (
	"log/slog"
	"os"
)

// NewTextLogger returns a slog logger writing human-readable text to
// stderr at the given level, suitable for engine.WithLogger.
func NewTextLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewJSONLogger returns a slog logger writing JSON to stderr at the given
// level.
func NewJSONLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
