// Package logger sets up structured JSON logging on log/slog for the
// service binaries. Hot-path packages keep the terse log.Printf idiom;
// startup, shutdown and API layers log through slog.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Init creates a JSON logger tagged with the service name and installs it
// as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps a LOG_LEVEL-style string to a slog level. Unknown values
// fall back to info.
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
