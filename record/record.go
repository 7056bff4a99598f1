package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/workflow"
)

// Record is one logical job invocation.
type Record struct {
	acidic.Entity

	ID             id.ID             `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	JobName        string            `json:"job_name"`
	JobArgs        json.RawMessage   `json:"job_args"`
	RecoveryPoint  string            `json:"recovery_point,omitempty"`
	Workflow       workflow.Workflow `json:"workflow,omitempty"`
	Attrs          workflow.Attrs    `json:"attrs,omitempty"`
	Error          []byte            `json:"error,omitempty"`
	LockedAt       *time.Time        `json:"locked_at,omitempty"`
	LastRunAt      time.Time         `json:"last_run_at"`
	Staged         bool              `json:"staged"`
	BatchID        string            `json:"batch_id,omitempty"`
}

// Finished reports whether the record reached the terminal recovery point.
func (r *Record) Finished() bool { return r.RecoveryPoint == workflow.Finished }

// Failed reports whether the record carries a stored error.
func (r *Record) Failed() bool { return len(r.Error) > 0 }

// Succeeded reports whether the record finished without an error.
func (r *Record) Succeeded() bool { return r.Finished() && !r.Failed() }

// Awaiting reports whether the record is parked on an awaited batch.
func (r *Record) Awaiting() bool { return r.BatchID != "" && !r.Finished() }

// LockHeld reports whether a non-stale lock is held. Locks taken before
// staleBefore are considered abandoned.
func (r *Record) LockHeld(staleBefore time.Time) bool {
	return r.LockedAt != nil && !r.LockedAt.Before(staleBefore)
}

// Validate checks the record's required fields. Staged records are created
// ahead of their first run and need only their identity.
func (r *Record) Validate() error {
	var errs []error
	if r.IdempotencyKey == "" {
		errs = append(errs, errors.New("idempotency_key is required"))
	}
	if r.JobName == "" {
		errs = append(errs, errors.New("job_name is required"))
	}
	if !r.Staged {
		if r.LastRunAt.IsZero() {
			errs = append(errs, errors.New("last_run_at is required"))
		}
		if r.RecoveryPoint == "" {
			errs = append(errs, errors.New("recovery_point is required"))
		}
		if len(r.Workflow) == 0 {
			errs = append(errs, errors.New("workflow is required"))
		}
	}
	if r.RecoveryPoint != "" && len(r.Workflow) > 0 && !r.Workflow.Contains(r.RecoveryPoint) {
		errs = append(errs, fmt.Errorf("recovery_point %q is not a workflow step", r.RecoveryPoint))
	}
	if len(errs) > 0 {
		return fmt.Errorf("acidic/record: invalid record: %w", errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.JobArgs = cloneBytes(r.JobArgs)
	cp.Error = cloneBytes(r.Error)
	if r.Workflow != nil {
		cp.Workflow = make(workflow.Workflow, len(r.Workflow))
		copy(cp.Workflow, r.Workflow)
	}
	if r.Attrs != nil {
		cp.Attrs = r.Attrs.Clone()
	}
	if r.LockedAt != nil {
		t := *r.LockedAt
		cp.LockedAt = &t
	}
	return &cp
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// LockToken normalizes a lock timestamp so it compares exactly after a round
// trip through any backend.
func LockToken(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
