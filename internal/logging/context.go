package logging

import (
	"context"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey int

const (
	jobIDKey contextKey = iota
	partitionKey
	loggerKey
)

// WithJobIDCtx returns a new context with the compaction job ID set.
func WithJobIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromCtx extracts the compaction job ID from the context.
func JobIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey).(string); ok {
		return id
	}
	return ""
}

// WithPartitionCtx returns a new context with the partition ID set.
func WithPartitionCtx(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, partitionKey, id)
}

// PartitionFromCtx extracts the partition ID from the context, or 0 if unset.
func PartitionFromCtx(ctx context.Context) int64 {
	if id, ok := ctx.Value(partitionKey).(int64); ok {
		return id
	}
	return 0
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns a logger from the context. If none is found, returns
// a logger configured from the context's job and partition IDs using
// the global logger.
func FromCtx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}

	l := Global()
	if id := JobIDFromCtx(ctx); id != "" {
		l = l.WithJobID(id)
	}
	if id := PartitionFromCtx(ctx); id != 0 {
		l = l.WithPartition(id)
	}
	return l
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// ContextLogger returns a logger configured with any job and partition IDs
// from the context. If a logger is already in the context, it returns that
// logger updated with any additional IDs from the context.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}

	jobID := JobIDFromCtx(ctx)
	partition := PartitionFromCtx(ctx)

	if jobID != "" {
		l = l.WithJobID(jobID)
	}
	if partition != 0 {
		l = l.WithPartition(partition)
	}

	return l
}

// PropagateIDs returns a new context with job and partition IDs propagated
// from the logger to the context.
func PropagateIDs(ctx context.Context, l *Logger) context.Context {
	if l == nil {
		return ctx
	}

	l.mu.Lock()
	jobID := l.jobID
	partition := l.partition
	l.mu.Unlock()

	if jobID != "" {
		ctx = WithJobIDCtx(ctx, jobID)
	}
	if partition != 0 {
		ctx = WithPartitionCtx(ctx, partition)
	}
	return ctx
}
