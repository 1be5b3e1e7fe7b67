// Package logging provides the default structured logger for the
// docs subsystem: a tinted slog handler writing to stderr.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a colored stderr logger at the given level.
func New(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	return slog.New(handler)
}

// Default returns an info-level logger.
func Default() *slog.Logger {
	return New(slog.LevelInfo)
}
