// Package logging constructs the JSON-structured slog.Logger used
// throughout mevi.
package logging

import (
	"log/slog"
	"os"
)

// New constructs a *slog.Logger that writes JSON-structured log records to
// stderr at the requested minimum level. An unrecognized level defaults to
// info.
func New(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
