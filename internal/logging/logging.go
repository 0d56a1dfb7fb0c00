// Package logging provides a structured logger factory for flaggate.
//
// It configures [log/slog] with a JSON handler by default, or a text handler
// for local runs, and a configurable minimum level.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// New creates a [slog.Logger] that writes to stderr at the given level and
// format. Accepted levels (case-insensitive): "debug", "info", "warn",
// "error"; an empty string means "info". Any format other than "text" yields
// JSON.
func New(level, format string) *slog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter is New writing to w.
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if ParseFormat(format) == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// ParseFormat normalises a LOG_FORMAT value to FormatJSON or FormatText.
func ParseFormat(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), FormatText) {
		return FormatText
	}
	return FormatJSON
}
