package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for acidic metrics.
const meterName = "github.com/xraph/acidic"

// Metrics returns middleware that records per-step execution metrics using
// the global OTel MeterProvider.
//
// Instruments:
//   - acidic.step.duration (Float64Histogram): step time in seconds
//   - acidic.step.executions (Int64Counter): step runs
//
// Both carry job_name, step and status ("ok" or "error") attributes.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API returns noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"acidic.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"acidic.step.executions",
		metric.WithDescription("Total number of step executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, s *StepInfo, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_name", s.JobName),
			attribute.String("step", s.Step),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
