// Package logging builds the structured logger every node component
// takes by constructor injection, matching this codebase's preference
// for an explicit *slog.Logger parameter over a package-level global.
package logging

import (
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coreflux/fleetcoord/internal/config"
)

// New builds a JSON slog.Logger tagged with node_id and role, optionally
// rotating to a file via lumberjack when cfg.File is set. With no file
// configured it writes to stderr, which is all a single-process fleet
// node running under a supervisor needs.
func New(cfg config.LogConfig, nodeID string, role string) *slog.Logger {
	level := parseLevel(cfg.Level)

	var writer = os.Stderr
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	if cfg.File != "" {
		rotate := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		handler = slog.NewJSONHandler(rotate, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler).With("node_id", nodeID, "role", role)
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
