package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipevine/pipevine/activity"
)

// tracerName is the instrumentation scope name for pipevine tracing.
const tracerName = "github.com/pipevine/pipevine"

// Tracing returns middleware that wraps each activity attempt in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: pipevine.activity, pipevine.execution_id,
// pipevine.key, pipevine.attempt. On error, the span status is set to
// codes.Error with the error message.
func Tracing() activity.Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) activity.Middleware {
	return func(ctx context.Context, inv *activity.Invocation, next activity.Handler) error {
		ctx, span := tracer.Start(ctx, "pipevine.activity.attempt",
			trace.WithAttributes(
				attribute.String("pipevine.activity", inv.Kind),
				attribute.String("pipevine.execution_id", inv.ExecutionID.String()),
				attribute.String("pipevine.key", inv.Key),
				attribute.Int("pipevine.attempt", inv.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
