package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/acidic/ext"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.RecordCreated    = (*MetricsExtension)(nil)
	_ ext.Replayed         = (*MetricsExtension)(nil)
	_ ext.LockContended    = (*MetricsExtension)(nil)
	_ ext.WorkflowFinished = (*MetricsExtension)(nil)
	_ ext.WorkflowFailed   = (*MetricsExtension)(nil)
	_ ext.JobStaged        = (*MetricsExtension)(nil)
	_ ext.StagedEnqueued   = (*MetricsExtension)(nil)
)

// meterName is the instrumentation scope for lifecycle metrics.
const meterName = "github.com/xraph/acidic/observability"

// MetricsExtension records system-wide lifecycle counters through OTel.
// Register it as an engine extension to track record creation, replays,
// lock contention, workflow outcomes and outbox traffic.
type MetricsExtension struct {
	RecordCreated    metric.Int64Counter
	Replayed         metric.Int64Counter
	LockContended    metric.Int64Counter
	WorkflowFinished metric.Int64Counter
	WorkflowFailed   metric.Int64Counter
	WorkflowDuration metric.Float64Histogram
	JobStaged        metric.Int64Counter
	StagedEnqueued   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// The OTel API returns noop instruments alongside any error.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	duration, _ := meter.Float64Histogram("acidic.workflow.duration",
		metric.WithDescription("Wall time of runs that reached FINISHED"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		RecordCreated:    counter("acidic.record.created", "Execution records created"),
		Replayed:         counter("acidic.record.replayed", "Invocations answered from a finished record"),
		LockContended:    counter("acidic.lock.contended", "Invocations rejected by a live lock"),
		WorkflowFinished: counter("acidic.workflow.finished", "Runs that reached FINISHED"),
		WorkflowFailed:   counter("acidic.workflow.failed", "Runs stopped by a step error"),
		WorkflowDuration: duration,
		JobStaged:        counter("acidic.staged.created", "Staged jobs written"),
		StagedEnqueued:   counter("acidic.staged.enqueued", "Staged jobs handed to a queue"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttr(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("job_name", name))
}

// ── Record hooks ────────────────────────────────────

// OnRecordCreated implements ext.RecordCreated.
func (m *MetricsExtension) OnRecordCreated(ctx context.Context, r *record.Record) error {
	m.RecordCreated.Add(ctx, 1, jobAttr(r.JobName))
	return nil
}

// OnReplayed implements ext.Replayed.
func (m *MetricsExtension) OnReplayed(ctx context.Context, r *record.Record) error {
	m.Replayed.Add(ctx, 1, jobAttr(r.JobName))
	return nil
}

// OnLockContended implements ext.LockContended.
func (m *MetricsExtension) OnLockContended(ctx context.Context, r *record.Record) error {
	m.LockContended.Add(ctx, 1, jobAttr(r.JobName))
	return nil
}

// ── Workflow hooks ──────────────────────────────────

// OnWorkflowFinished implements ext.WorkflowFinished.
func (m *MetricsExtension) OnWorkflowFinished(ctx context.Context, r *record.Record, elapsed time.Duration) error {
	m.WorkflowFinished.Add(ctx, 1, jobAttr(r.JobName))
	m.WorkflowDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("job_name", r.JobName)))
	return nil
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (m *MetricsExtension) OnWorkflowFailed(ctx context.Context, r *record.Record, _ error) error {
	m.WorkflowFailed.Add(ctx, 1, jobAttr(r.JobName))
	return nil
}

// ── Outbox hooks ────────────────────────────────────

// OnJobStaged implements ext.JobStaged.
func (m *MetricsExtension) OnJobStaged(ctx context.Context, j *staged.Job) error {
	m.JobStaged.Add(ctx, 1, jobAttr(j.JobName))
	return nil
}

// OnStagedEnqueued implements ext.StagedEnqueued.
func (m *MetricsExtension) OnStagedEnqueued(ctx context.Context, j *staged.Job) error {
	m.StagedEnqueued.Add(ctx, 1, jobAttr(j.JobName))
	return nil
}
