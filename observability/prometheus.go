package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/acidic/ext"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*PrometheusExtension)(nil)
	_ ext.RecordCreated    = (*PrometheusExtension)(nil)
	_ ext.Replayed         = (*PrometheusExtension)(nil)
	_ ext.LockContended    = (*PrometheusExtension)(nil)
	_ ext.StepCompleted    = (*PrometheusExtension)(nil)
	_ ext.StepFailed       = (*PrometheusExtension)(nil)
	_ ext.WorkflowFinished = (*PrometheusExtension)(nil)
	_ ext.WorkflowFailed   = (*PrometheusExtension)(nil)
	_ ext.StagedEnqueued   = (*PrometheusExtension)(nil)
)

// PrometheusExtension exposes lifecycle counters as Prometheus collectors,
// for deployments that scrape /metrics instead of exporting OTLP.
type PrometheusExtension struct {
	records       *prometheus.CounterVec
	replays       *prometheus.CounterVec
	contended     *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	workflows     *prometheus.CounterVec
	stagedPublish *prometheus.CounterVec
}

// NewPrometheusExtension creates the collectors under namespace and
// registers them with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusExtension(namespace string, reg prometheus.Registerer) (*PrometheusExtension, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusExtension{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_created_total",
			Help:      "Execution records created by job",
		}, []string{"job_name"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Invocations answered from a finished record",
		}, []string{"job_name"}),
		contended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contended_total",
			Help:      "Invocations rejected by a live lock",
		}, []string{"job_name"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step executions by job, step and status",
		}, []string{"job_name", "step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of committed steps",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_name", "step"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Runs by job and outcome",
		}, []string{"job_name", "status"}),
		stagedPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_enqueued_total",
			Help:      "Staged jobs handed to a queue by adapter",
		}, []string{"adapter"}),
	}
	for _, c := range []prometheus.Collector{
		p.records, p.replays, p.contended, p.steps, p.stepDuration, p.workflows, p.stagedPublish,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name implements ext.Extension.
func (p *PrometheusExtension) Name() string { return "observability-prometheus" }

// OnRecordCreated implements ext.RecordCreated.
func (p *PrometheusExtension) OnRecordCreated(_ context.Context, r *record.Record) error {
	p.records.WithLabelValues(r.JobName).Inc()
	return nil
}

// OnReplayed implements ext.Replayed.
func (p *PrometheusExtension) OnReplayed(_ context.Context, r *record.Record) error {
	p.replays.WithLabelValues(r.JobName).Inc()
	return nil
}

// OnLockContended implements ext.LockContended.
func (p *PrometheusExtension) OnLockContended(_ context.Context, r *record.Record) error {
	p.contended.WithLabelValues(r.JobName).Inc()
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (p *PrometheusExtension) OnStepCompleted(_ context.Context, r *record.Record, step string, elapsed time.Duration) error {
	p.steps.WithLabelValues(r.JobName, step, "ok").Inc()
	p.stepDuration.WithLabelValues(r.JobName, step).Observe(elapsed.Seconds())
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (p *PrometheusExtension) OnStepFailed(_ context.Context, r *record.Record, step string, _ error) error {
	p.steps.WithLabelValues(r.JobName, step, "error").Inc()
	return nil
}

// OnWorkflowFinished implements ext.WorkflowFinished.
func (p *PrometheusExtension) OnWorkflowFinished(_ context.Context, r *record.Record, _ time.Duration) error {
	p.workflows.WithLabelValues(r.JobName, "finished").Inc()
	return nil
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (p *PrometheusExtension) OnWorkflowFailed(_ context.Context, r *record.Record, _ error) error {
	p.workflows.WithLabelValues(r.JobName, "failed").Inc()
	return nil
}

// OnStagedEnqueued implements ext.StagedEnqueued.
func (p *PrometheusExtension) OnStagedEnqueued(_ context.Context, j *staged.Job) error {
	p.stagedPublish.WithLabelValues(j.Adapter).Inc()
	return nil
}
