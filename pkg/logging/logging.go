// Package logging builds the slog logger shared by every stepwise surface.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// New returns the process logger. Output goes to stderr so streamed script
// output on stdout stays clean: a colorized tint handler when stderr is a
// terminal, JSON otherwise. STEPWISE_LOG controls the level
// (debug/info/warn/error), default info.
func New() *slog.Logger {
	return NewWithLevel(ParseLevel(os.Getenv("STEPWISE_LOG")))
}

// NewWithLevel builds the process logger at an explicit level.
func NewWithLevel(level slog.Level) *slog.Logger {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// Discard returns a logger that drops everything. Used by tests and by
// surfaces that own the terminal (the TUI renders state itself).
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
