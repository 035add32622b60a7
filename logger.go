package rvf

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with rvf-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithFile adds the file identity fields to the logger.
func (l *Logger) WithFile(fileID uint64, epoch uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("file_id", fileID, "epoch", epoch),
	}
}

// LogOpen logs a mount attempt.
func (l *Logger) LogOpen(ctx context.Context, path, policy string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"path", path,
			"policy", policy,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "store opened",
			"path", path,
			"policy", policy,
		)
	}
}

// LogQuery logs a query operation.
func (l *Logger) LogQuery(ctx context.Context, k, resultsFound int, quality string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"k", k,
			"results", resultsFound,
			"quality", quality,
		)
	}
}

// LogAppend logs a segment append.
func (l *Logger) LogAppend(ctx context.Context, kind string, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "append failed",
			"kind", kind,
			"size", size,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "segment appended",
			"kind", kind,
			"size", size,
		)
	}
}

// LogManifest logs a manifest commit.
func (l *Logger) LogManifest(ctx context.Context, epoch uint32, segments int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "manifest commit failed",
			"epoch", epoch,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "manifest committed",
			"epoch", epoch,
			"segments", segments,
		)
	}
}

// LogMount logs a progressive mount step.
func (l *Logger) LogMount(ctx context.Context, tier string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mount failed",
			"tier", tier,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "tier mounted",
			"tier", tier,
		)
	}
}

// LogCompact logs a compaction run.
func (l *Logger) LogCompact(ctx context.Context, before, after uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"bytes_before", before,
			"bytes_after", after,
		)
	}
}

// LogRecompute logs the centroid recompute signal raised by epoch drift.
func (l *Logger) LogRecompute(ctx context.Context, drift, maxDrift uint32) {
	l.WarnContext(ctx, "centroid recompute recommended",
		"epoch_drift", drift,
		"max_epoch_drift", maxDrift,
	)
}
