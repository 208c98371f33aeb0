package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes over the course of an operation so
// call sites can add context (e.g. identifiers discovered mid-flow) without
// rebuilding the logger each time.
type LoggerContext struct {
	mu   sync.Mutex
	log  *Logger
	args []any
}

// NewLoggerContext constructs a LoggerContext wrapping the provided logger.
func NewLoggerContext(log *Logger) *LoggerContext {
	return &LoggerContext{log: log}
}

// Add appends key-value pairs that will be attached to every subsequent line
// logged through this context.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.args = append(lc.args, args...)
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.log.Debugc(ctx, 4, msg, lc.merged(args)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.log.Infoc(ctx, 4, msg, lc.merged(args)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.log.write(ctx, LevelWarn, 4, msg, lc.merged(args)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.log.write(ctx, LevelError, 4, msg, lc.merged(args)...)
}

func (lc *LoggerContext) merged(args []any) []any {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	out := make([]any, 0, len(lc.args)+len(args))
	out = append(out, lc.args...)
	out = append(out, args...)
	return out
}
