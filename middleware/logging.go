package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipevine/pipevine/activity"
)

// Logging returns middleware that logs each activity attempt.
func Logging(logger *slog.Logger) activity.Middleware {
	return func(ctx context.Context, inv *activity.Invocation, next activity.Handler) error {
		logger.Debug("activity attempt started",
			slog.String("activity", inv.Kind),
			slog.String("execution_id", inv.ExecutionID.String()),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("activity attempt failed",
				slog.String("activity", inv.Kind),
				slog.String("execution_id", inv.ExecutionID.String()),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("activity attempt completed",
				slog.String("activity", inv.Kind),
				slog.String("execution_id", inv.ExecutionID.String()),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
