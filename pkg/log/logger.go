// Package log provides structured logging utilities for the JMINED mining daemon.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	// Parse log level
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value("request_id"); reqID != nil {
		logger = logger.With("request_id", reqID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithTemplate returns a logger with work-template fields
func (l *Logger) WithTemplate(height int64, prevHash string) *Logger {
	return l.WithFields("template_height", height, "prev_hash", prevHash)
}

// WithWorker returns a logger with a hashing-worker field
func (l *Logger) WithWorker(workerID int) *Logger {
	return l.WithFields("worker_id", workerID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Mining-specific logging helpers

// LogTemplateSwitch logs the adoption of a new work template
func (l *Logger) LogTemplateSwitch(height int64, prevHash string, difficulty float64, reason string) {
	l.Info("template switched",
		"height", height,
		"prev_hash", prevHash,
		"difficulty", difficulty,
		"reason", reason,
	)
}

// LogShareFound logs a nonce satisfying the share target
func (l *Logger) LogShareFound(height int64, nonce uint64, powHash string) {
	l.Info("share found",
		"height", height,
		"nonce", nonce,
		"pow_hash", powHash,
	)
}

// LogShareResult logs the pool's verdict on a submitted share
func (l *Logger) LogShareResult(height int64, nonce uint64, status string, message string) {
	l.Info("share submitted",
		"height", height,
		"nonce", nonce,
		"status", status,
		"message", message,
	)
}

// LogHashrate logs aggregate hashing throughput
func (l *Logger) LogHashrate(workers int, hashesPerSec float64) {
	l.Info("hashrate",
		"workers", workers,
		"hashes_per_sec", hashesPerSec,
	)
}

// LogPoolRequest logs a pool protocol round trip (debug level)
func (l *Logger) LogPoolRequest(method string, durationMs float64, err error) {
	if err != nil {
		l.Debug("pool request failed",
			"method", method,
			"duration_ms", durationMs,
			"error", err.Error(),
		)
		return
	}
	l.Debug("pool request",
		"method", method,
		"duration_ms", durationMs,
	)
}
