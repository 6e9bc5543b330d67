package graphann

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with index-specific helpers so operational
// events log with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger from the given handler. A nil handler
// defaults to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// LogInsert logs one insert outcome at debug, or the error.
func (l *Logger) LogInsert(ctx context.Context, id uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed", "error", err)
		return
	}
	l.DebugContext(ctx, "insert completed", "id", id)
}

// LogSearch logs one search outcome at debug, or the error.
func (l *Logger) LogSearch(ctx context.Context, k, found int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "k", k, "error", err)
		return
	}
	l.DebugContext(ctx, "search completed", "k", k, "results", found)
}

// LogCompaction logs a compaction pass.
func (l *Logger) LogCompaction(ctx context.Context, live, reclaimed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed", "error", err)
		return
	}
	l.InfoContext(ctx, "compaction completed", "live", live, "reclaimed", reclaimed)
}

// LogSnapshot logs a snapshot save or load.
func (l *Logger) LogSnapshot(ctx context.Context, op string, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed", "op", op, "error", err)
		return
	}
	l.InfoContext(ctx, "snapshot completed", "op", op, "bytes", bytes)
}
