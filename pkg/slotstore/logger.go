package slotstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with slotstore-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
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

// NewJSONLogger creates a Logger that writes JSON logs to w.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human-readable logs to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithPath tags every record with the data file path.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// LogInitialize logs the result of a file scan.
func (l *Logger) LogInitialize(ctx context.Context, records, gaps, skipped int, slotSize int64, elapsed time.Duration) {
	l.InfoContext(ctx, "initialized",
		"records", records,
		"gaps", gaps,
		"skipped", skipped,
		"slot_size", slotSize,
		"elapsed", elapsed,
	)
}

// LogSkippedLine logs a line dropped because SkipInvalidLines is set.
func (l *Logger) LogSkippedLine(ctx context.Context, line int, err error) {
	l.WarnContext(ctx, "skipping invalid line",
		"line", line,
		"error", err,
	)
}

// LogRepair logs a layout repair done during initialize.
func (l *Logger) LogRepair(ctx context.Context, reason string, oldSize, newSize int64) {
	l.WarnContext(ctx, "repairing data file",
		"reason", reason,
		"old_slot_size", oldSize,
		"new_slot_size", newSize,
	)
}

// LogCompaction logs a finished compaction.
func (l *Logger) LogCompaction(ctx context.Context, kept, dropped int, oldSize, newSize int64) {
	l.InfoContext(ctx, "compacted",
		"kept", kept,
		"dropped", dropped,
		"old_slot_size", oldSize,
		"new_slot_size", newSize,
	)
}

// LogRealloc logs a slot width change.
func (l *Logger) LogRealloc(ctx context.Context, slots int, oldSize, newSize int64) {
	l.InfoContext(ctx, "reallocated",
		"slots", slots,
		"old_slot_size", oldSize,
		"new_slot_size", newSize,
	)
}

// LogMigration logs records rewritten to the configured encoding.
func (l *Logger) LogMigration(ctx context.Context, records int) {
	l.InfoContext(ctx, "migrated records",
		"records", records,
	)
}

// LogRollback logs the outcome of a transaction rollback.
func (l *Logger) LogRollback(ctx context.Context, txID string, cause, rollbackErr error, backupPath string) {
	if rollbackErr != nil {
		l.ErrorContext(ctx, "rollback failed",
			"tx", txID,
			"cause", cause,
			"error", rollbackErr,
			"backup", backupPath,
		)

		return
	}

	l.WarnContext(ctx, "rolled back",
		"tx", txID,
		"cause", cause,
	)
}
