// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init builds and installs the default slog.Logger for service, tagged
// with a "service" attribute on every record. Handler format and level
// are controlled by environment variables so the supervisor and every
// child process agree without extra flags.
func Init(service string) *slog.Logger {
	level := levelFromEnv()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonLogs() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "level", level.Level())
	return logger
}

func jsonLogs() bool {
	v := strings.ToLower(os.Getenv("TIANSHU_JSON_LOG"))
	return v == "1" || v == "true" || v == "json"
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("TIANSHU_LOG_LEVEL")) {
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
