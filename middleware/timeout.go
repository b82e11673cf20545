package middleware

import (
	"context"
	"time"

	"github.com/pipevine/pipevine/activity"
)

// Timeout returns middleware that enforces d as a hard per-attempt
// ceiling for invocations whose policy declares no AttemptTimeout of
// its own. Policies that set a timeout keep it: the executor enforces
// it around the whole middleware chain.
//
// Not part of the engine's default stack. A blanket ceiling would also
// cap long-running heartbeat-monitored polls, so embedders opt in via
// engine.WithMiddleware when they want a safety net for activities
// with unset attempt deadlines.
func Timeout(d time.Duration) activity.Middleware {
	return func(ctx context.Context, inv *activity.Invocation, next activity.Handler) error {
		if d > 0 && inv.Policy.AttemptTimeout == 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
