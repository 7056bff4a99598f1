package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/acidic/ext"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Extension)(nil)
	_ ext.RecordCreated    = (*Extension)(nil)
	_ ext.Replayed         = (*Extension)(nil)
	_ ext.LockContended    = (*Extension)(nil)
	_ ext.StepCompleted    = (*Extension)(nil)
	_ ext.StepFailed       = (*Extension)(nil)
	_ ext.WorkflowFinished = (*Extension)(nil)
	_ ext.WorkflowFailed   = (*Extension)(nil)
	_ ext.JobStaged        = (*Extension)(nil)
	_ ext.StagedEnqueued   = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the trail.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc adapts a plain function to a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder writes each event as a structured log line on logger.
// Critical events log at error level, warnings at warn.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		for k, v := range evt.Metadata {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension turns acidic lifecycle hooks into audit events.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Record hooks ────────────────────────────────────

// OnRecordCreated implements ext.RecordCreated.
func (e *Extension) OnRecordCreated(ctx context.Context, r *record.Record) error {
	return e.record(ctx, ActionRecordCreated, SeverityInfo, OutcomeSuccess,
		ResourceRecord, r.ID.String(), CategoryRecord, nil,
		"job_name", r.JobName,
		"idempotency_key", r.IdempotencyKey,
		"staged", r.Staged,
	)
}

// OnReplayed implements ext.Replayed.
func (e *Extension) OnReplayed(ctx context.Context, r *record.Record) error {
	return e.record(ctx, ActionRecordReplayed, SeverityInfo, OutcomeSuccess,
		ResourceRecord, r.ID.String(), CategoryRecord, nil,
		"job_name", r.JobName,
		"idempotency_key", r.IdempotencyKey,
	)
}

// OnLockContended implements ext.LockContended.
func (e *Extension) OnLockContended(ctx context.Context, r *record.Record) error {
	meta := []any{
		"job_name", r.JobName,
		"recovery_point", r.RecoveryPoint,
	}
	if r.LockedAt != nil {
		meta = append(meta, "locked_at", r.LockedAt.Format(time.RFC3339Nano))
	}
	return e.record(ctx, ActionLockContended, SeverityWarning, OutcomeFailure,
		ResourceRecord, r.ID.String(), CategoryRecord, nil, meta...)
}

// ── Step hooks ──────────────────────────────────────

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, r *record.Record, step string, elapsed time.Duration) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceRecord, r.ID.String(), CategoryStep, nil,
		"job_name", r.JobName,
		"step", step,
		"next", r.RecoveryPoint,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, r *record.Record, step string, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityWarning, OutcomeFailure,
		ResourceRecord, r.ID.String(), CategoryStep, stepErr,
		"job_name", r.JobName,
		"step", step,
	)
}

// OnWorkflowFinished implements ext.WorkflowFinished.
func (e *Extension) OnWorkflowFinished(ctx context.Context, r *record.Record, elapsed time.Duration) error {
	return e.record(ctx, ActionWorkflowFinished, SeverityInfo, OutcomeSuccess,
		ResourceRecord, r.ID.String(), CategoryRecord, nil,
		"job_name", r.JobName,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (e *Extension) OnWorkflowFailed(ctx context.Context, r *record.Record, runErr error) error {
	return e.record(ctx, ActionWorkflowFailed, SeverityCritical, OutcomeFailure,
		ResourceRecord, r.ID.String(), CategoryRecord, runErr,
		"job_name", r.JobName,
		"recovery_point", r.RecoveryPoint,
	)
}

// ── Outbox hooks ────────────────────────────────────

// OnJobStaged implements ext.JobStaged.
func (e *Extension) OnJobStaged(ctx context.Context, j *staged.Job) error {
	meta := []any{
		"job_name", j.JobName,
		"adapter", j.Adapter,
	}
	if j.BatchID != "" {
		meta = append(meta, "batch_id", j.BatchID)
	}
	return e.record(ctx, ActionJobStaged, SeverityInfo, OutcomeSuccess,
		ResourceStaged, j.ID.String(), CategoryOutbox, nil, meta...)
}

// OnStagedEnqueued implements ext.StagedEnqueued.
func (e *Extension) OnStagedEnqueued(ctx context.Context, j *staged.Job) error {
	return e.record(ctx, ActionStagedEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceStaged, j.ID.String(), CategoryOutbox, nil,
		"job_name", j.JobName,
		"adapter", j.Adapter,
		"attempts", j.Attempts,
	)
}

// ── Internal helpers ────────────────────────────────

// record sends an audit event when action is enabled. kvPairs become the
// event metadata. Recorder failures are logged, never returned.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprint(kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = reason
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}
	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit event not recorded",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
