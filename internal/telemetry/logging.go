// Package telemetry bootstraps structured logging and OpenTelemetry
// tracing/metrics for buildgraph components, and exposes a thin Recorder
// facade so the scheduler and walker don't import the otel SDK directly.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger: JSON if
// BUILDGRAPH_JSON_LOG is 1/true/json, text otherwise. Level is taken from
// BUILDGRAPH_LOG_LEVEL (debug/info/warn/error, default info).
func InitLogging(component string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("BUILDGRAPH_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("BUILDGRAPH_LOG_LEVEL")) {
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
