// Package obslog implements SPIRAL's ambient observability stack: a
// structured zerolog.Logger threaded through evaluation (spec.md §10),
// an optional websocket trace broadcaster (internal/obslog/broadcast.go),
// and an optional otel tracing wrapper (internal/obslog/tracing.go) gated
// on Options.Trace.
package obslog

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// New builds the package-level structured logger: JSON to stdout, level
// gated by debug (Options.Trace in pkg/spiral), grounded on the teacher's
// logger.Setup (internal/infrastructure/logger/logger.go) translated from
// slog's JSON handler to zerolog's.
func New(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// WithContext attaches logger to ctx, the way zerolog's own
// WithContext/Ctx pair is meant to be used.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, or a disabled logger if
// none was attached — evaluator components that log opportunistically
// never need a nil check.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithFields returns ctx's logger enriched with the contextual fields
// spec.md §10 calls for (execution_id/node_id/task_id), mirroring the
// teacher's per-event Str(...) chaining in node_executors.go.
func WithFields(ctx context.Context, executionID, nodeID, taskID string) zerolog.Logger {
	l := FromContext(ctx).With()
	if executionID != "" {
		l = l.Str("execution_id", executionID)
	}
	if nodeID != "" {
		l = l.Str("node_id", nodeID)
	}
	if taskID != "" {
		l = l.Str("task_id", taskID)
	}
	return l.Logger()
}
