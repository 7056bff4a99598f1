// Package ext defines the extension system for acidic.
// Extensions are notified of execution lifecycle events (record created,
// step completed, outbox enqueued, etc.) and can react to them.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Record lifecycle hooks
// ──────────────────────────────────────────────────

// RecordCreated is called after a new execution record is persisted.
type RecordCreated interface {
	OnRecordCreated(ctx context.Context, r *record.Record) error
}

// Replayed is called when an invocation hits a finished record and no
// steps run.
type Replayed interface {
	OnReplayed(ctx context.Context, r *record.Record) error
}

// LockContended is called when an invocation finds its record locked by a
// live worker.
type LockContended interface {
	OnLockContended(ctx context.Context, r *record.Record) error
}

// ──────────────────────────────────────────────────
// Workflow lifecycle hooks
// ──────────────────────────────────────────────────

// StepCompleted is called after a step's transaction commits.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, r *record.Record, step string, elapsed time.Duration) error
}

// StepFailed is called after a step's transaction rolls back.
type StepFailed interface {
	OnStepFailed(ctx context.Context, r *record.Record, step string, err error) error
}

// WorkflowFinished is called when a record reaches FINISHED.
type WorkflowFinished interface {
	OnWorkflowFinished(ctx context.Context, r *record.Record, elapsed time.Duration) error
}

// WorkflowFailed is called when a run stops with a persisted error. The
// record stays resumable from its recovery point.
type WorkflowFailed interface {
	OnWorkflowFailed(ctx context.Context, r *record.Record, err error) error
}

// ──────────────────────────────────────────────────
// Outbox hooks
// ──────────────────────────────────────────────────

// JobStaged is called after a staged job is written. The enclosing
// transaction may still roll back.
type JobStaged interface {
	OnJobStaged(ctx context.Context, j *staged.Job) error
}

// StagedEnqueued is called after a staged job is handed to its queue.
type StagedEnqueued interface {
	OnStagedEnqueued(ctx context.Context, j *staged.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
