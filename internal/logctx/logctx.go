package logctx

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// WithLogger returns a new context carrying the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns
// slog.Default() if none was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithJob derives a job-scoped logger from the context and attaches it, so
// every log line inside a worker carries the job id without repeating it.
func WithJob(ctx context.Context, jobID string) context.Context {
	return WithLogger(ctx, LoggerFromContext(ctx).With("job_id", jobID))
}
