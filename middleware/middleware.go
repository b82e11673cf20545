// Package middleware provides composable middleware for activity
// invocation attempts.
//
// An [activity.Middleware] wraps a single attempt. Middleware are
// composed with [activity.Chain] and applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// recover → tracing → logging → attempt
//	exec := activity.NewExecutor(logger, []activity.Middleware{
//	    middleware.Recover(logger),
//	    middleware.Tracing(),
//	    middleware.Logging(logger),
//	})
//
// # Built-in Middleware
//
//   - [Logging] — logs attempt start, duration, and outcome
//   - [Recover] — catches panics and converts them to errors
//   - [Tracing] — wraps each attempt in an OpenTelemetry span
//   - [Metrics] — records per-activity duration and attempt counters
//   - [Timeout] — blanket per-attempt ceiling for policies without one
//
// Policy-declared deadlines are not middleware: the executor enforces
// retry.Policy.AttemptTimeout itself so the timeout also bounds
// middleware-wrapped work. [Timeout] only covers invocations whose
// policy leaves AttemptTimeout unset.
package middleware
