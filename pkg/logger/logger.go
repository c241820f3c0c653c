package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

// NewCLI returns a text logger on stderr so command output on stdout stays clean.
func NewCLI(verbose bool) *slog.Logger {
	return NewText(os.Stderr, verbose)
}

// NewText builds the CLI text logger on an arbitrary writer.
func NewText(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps LOG_LEVEL values onto slog levels. Unknown values mean info.
func ParseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Discard is a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
