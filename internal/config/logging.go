package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/raphaelgruber/ingestd/internal/logbus"
	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates the engine logger: text to stderr, JSON to the log
// file and every record to bus for live subscribers. bus may be nil.
// Returns the logger and a cleanup function to close the file.
func SetupLogger(cfg Config, bus *logbus.Bus) (*slog.Logger, func() error) {
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}),
	}
	if bus != nil {
		handlers = append(handlers, logbus.NewHandler(bus, cfg.LogLevel))
	}

	cleanup := func() error { return nil }
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			// Fall back to the remaining handlers
			slog.Error("failed to open log file, skipping it", "error", err, "file", cfg.LogFile)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.LogLevel}))
			cleanup = file.Close
		}
	}

	return slog.New(slogmulti.Fanout(handlers...)), cleanup
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, bus *logbus.Bus, level slog.Level) *slog.Logger {
	handlers := []slog.Handler{
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	}
	if bus != nil {
		handlers = append(handlers, logbus.NewHandler(bus, level))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
