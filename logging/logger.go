package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a slog.Logger writing to stdout at the requested verbosity.
func New(level string, json bool) *slog.Logger {
	return NewWithWriter(os.Stdout, level, json)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, json bool) *slog.Logger {
	handlerLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		handlerLevel = slog.LevelDebug
	case "warn":
		handlerLevel = slog.LevelWarn
	case "error":
		handlerLevel = slog.LevelError
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: handlerLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: handlerLevel})
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
