package main

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	"github.com/relvohq/automation/internal/logging"
)

// newLogger builds the daemon logger: tint for console output, JSON
// otherwise, always wrapped so correlation IDs from the context appear on
// every record.
func newLogger(cfg Config) *slog.Logger {
	level := parseLevel(cfg.LogLevel)

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		inner = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}

	return slog.New(logging.NewCorrelationHandler(inner))
}

func parseLevel(s string) slog.Level {
	switch s {
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
