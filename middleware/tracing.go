package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for acidic tracing.
const tracerName = "github.com/xraph/acidic"

// Tracing returns middleware that wraps each step in an OpenTelemetry span
// using the global TracerProvider.
//
// Span attributes: acidic.record.id, acidic.idempotency_key,
// acidic.job.name, acidic.step.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, s *StepInfo, next Handler) error {
		ctx, span := tracer.Start(ctx, "acidic.step.execute",
			trace.WithAttributes(
				attribute.String("acidic.record.id", s.RecordID.String()),
				attribute.String("acidic.idempotency_key", s.IdempotencyKey),
				attribute.String("acidic.job.name", s.JobName),
				attribute.String("acidic.step", s.Step),
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
