package config

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the service logger from LOG_LEVEL (debug, info, warn, error)
// and LOG_FORMAT (json, text). Every record carries the service name.
func NewLogger(service string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(GetEnv("LOG_LEVEL", "info"))}

	var handler slog.Handler
	if strings.EqualFold(GetEnv("LOG_FORMAT", "json"), "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", service)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
