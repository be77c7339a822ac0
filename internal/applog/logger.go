// Package applog builds this server's structured logger, matching the
// log/slog setup used elsewhere in this codebase (realtime-docs'
// internal/app.NewLogger): a JSON handler for "json" format, a text handler
// otherwise, at the level the caller names.
package applog

import (
	"log/slog"
	"os"
)

// New returns a slog.Logger configured by format ("json" or anything
// else for text) and level ("debug", "info", "warn", "error").
func New(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
