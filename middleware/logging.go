package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *transport.Task, next Handler) error {
		attrs := []any{
			slog.String("task_id", t.ID.String()),
			slog.String("run_id", t.RunID.String()),
			slog.String("job_type", t.JobType),
			slog.String("kind", string(t.Kind)),
			slog.String("queue", t.Queue),
		}
		logger.Debug("task started", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("elapsed", time.Since(start)))

		if err != nil {
			logger.Error("task failed", append(attrs, slog.String("error", err.Error()))...)
		} else {
			logger.Info("task finished", attrs...)
		}
		return err
	}
}
