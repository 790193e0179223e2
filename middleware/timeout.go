package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Timeout returns middleware that enforces a hard deadline on every task.
// A zero limit disables it.
func Timeout(limit time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *transport.Task, next Handler) error {
		if limit <= 0 {
			return next(ctx)
		}
		logger.Debug("task deadline set",
			slog.String("task_id", t.ID.String()),
			slog.Duration("timeout", limit),
		)
		ctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		return next(ctx)
	}
}
