package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/pipevine/pipevine/activity"
)

// Recover returns middleware that recovers from panics in the attempt
// chain. Panics are converted to permanent errors and logged with a
// stack trace: a panicking activity is a code bug, not a transient
// failure worth retrying.
func Recover(logger *slog.Logger) activity.Middleware {
	return func(ctx context.Context, inv *activity.Invocation, next activity.Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("activity panicked",
					slog.String("activity", inv.Kind),
					slog.String("execution_id", inv.ExecutionID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = activity.Permanent(fmt.Errorf("panic in activity %s: %v", inv.Kind, r))
			}
		}()
		return next(ctx)
	}
}
