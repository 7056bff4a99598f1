package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
)

// Compile-time check that the registry can drive the outbox publisher.
var _ staged.Emitter = (*Registry)(nil)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	recordCreated    []entry[RecordCreated]
	replayed         []entry[Replayed]
	lockContended    []entry[LockContended]
	stepCompleted    []entry[StepCompleted]
	stepFailed       []entry[StepFailed]
	workflowFinished []entry[WorkflowFinished]
	workflowFailed   []entry[WorkflowFailed]
	jobStaged        []entry[JobStaged]
	stagedEnqueued   []entry[StagedEnqueued]
	shutdown         []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RecordCreated); ok {
		r.recordCreated = append(r.recordCreated, entry[RecordCreated]{name, h})
	}
	if h, ok := e.(Replayed); ok {
		r.replayed = append(r.replayed, entry[Replayed]{name, h})
	}
	if h, ok := e.(LockContended); ok {
		r.lockContended = append(r.lockContended, entry[LockContended]{name, h})
	}
	if h, ok := e.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, entry[StepCompleted]{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, entry[StepFailed]{name, h})
	}
	if h, ok := e.(WorkflowFinished); ok {
		r.workflowFinished = append(r.workflowFinished, entry[WorkflowFinished]{name, h})
	}
	if h, ok := e.(WorkflowFailed); ok {
		r.workflowFailed = append(r.workflowFailed, entry[WorkflowFailed]{name, h})
	}
	if h, ok := e.(JobStaged); ok {
		r.jobStaged = append(r.jobStaged, entry[JobStaged]{name, h})
	}
	if h, ok := e.(StagedEnqueued); ok {
		r.stagedEnqueued = append(r.stagedEnqueued, entry[StagedEnqueued]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Record event emitters
// ──────────────────────────────────────────────────

// EmitRecordCreated notifies all extensions that implement RecordCreated.
func (r *Registry) EmitRecordCreated(ctx context.Context, rec *record.Record) {
	for _, e := range r.recordCreated {
		if err := e.hook.OnRecordCreated(ctx, rec); err != nil {
			r.logHookError("OnRecordCreated", e.name, err)
		}
	}
}

// EmitReplayed notifies all extensions that implement Replayed.
func (r *Registry) EmitReplayed(ctx context.Context, rec *record.Record) {
	for _, e := range r.replayed {
		if err := e.hook.OnReplayed(ctx, rec); err != nil {
			r.logHookError("OnReplayed", e.name, err)
		}
	}
}

// EmitLockContended notifies all extensions that implement LockContended.
func (r *Registry) EmitLockContended(ctx context.Context, rec *record.Record) {
	for _, e := range r.lockContended {
		if err := e.hook.OnLockContended(ctx, rec); err != nil {
			r.logHookError("OnLockContended", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Workflow event emitters
// ──────────────────────────────────────────────────

// EmitStepCompleted notifies all extensions that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, rec *record.Record, step string, elapsed time.Duration) {
	for _, e := range r.stepCompleted {
		if err := e.hook.OnStepCompleted(ctx, rec, step, elapsed); err != nil {
			r.logHookError("OnStepCompleted", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, rec *record.Record, step string, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, rec, step, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitWorkflowFinished notifies all extensions that implement WorkflowFinished.
func (r *Registry) EmitWorkflowFinished(ctx context.Context, rec *record.Record, elapsed time.Duration) {
	for _, e := range r.workflowFinished {
		if err := e.hook.OnWorkflowFinished(ctx, rec, elapsed); err != nil {
			r.logHookError("OnWorkflowFinished", e.name, err)
		}
	}
}

// EmitWorkflowFailed notifies all extensions that implement WorkflowFailed.
func (r *Registry) EmitWorkflowFailed(ctx context.Context, rec *record.Record, runErr error) {
	for _, e := range r.workflowFailed {
		if err := e.hook.OnWorkflowFailed(ctx, rec, runErr); err != nil {
			r.logHookError("OnWorkflowFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Outbox event emitters
// ──────────────────────────────────────────────────

// EmitJobStaged notifies all extensions that implement JobStaged.
func (r *Registry) EmitJobStaged(ctx context.Context, j *staged.Job) {
	for _, e := range r.jobStaged {
		if err := e.hook.OnJobStaged(ctx, j); err != nil {
			r.logHookError("OnJobStaged", e.name, err)
		}
	}
}

// EmitStagedEnqueued notifies all extensions that implement StagedEnqueued.
func (r *Registry) EmitStagedEnqueued(ctx context.Context, j *staged.Job) {
	for _, e := range r.stagedEnqueued {
		if err := e.hook.OnStagedEnqueued(ctx, j); err != nil {
			r.logHookError("OnStagedEnqueued", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
