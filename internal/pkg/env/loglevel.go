package env

import (
	"log/slog"
	"strings"
)

// ParseLogLevel converts a level name to a slog.Level. Supported values:
// "debug", "info", "warn", "error". Falls back to the provided default if the
// value is empty or unrecognised.
func ParseLogLevel(raw string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}
