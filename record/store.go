package record

import (
	"context"
	"time"

	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/workflow"
)

// Advance is the lock-holder's write after a step commits.
type Advance struct {
	// RecoveryPoint is the next step, or workflow.Finished.
	RecoveryPoint string

	// Attrs replaces the stored execution context.
	Attrs workflow.Attrs

	// BatchID parks the record on an awaited batch; empty clears it.
	BatchID string

	// Unlock drops the lock in the same write.
	Unlock bool

	// Workflow, when non-nil, replaces the stored step list. It is set
	// once, on the first run of a record that was created by staging.
	Workflow workflow.Workflow
}

// Release is the lock-holder's final write when a run stops early.
type Release struct {
	// Attrs replaces the stored execution context.
	Attrs workflow.Attrs

	// Error is the serialized failure; nil clears it.
	Error []byte
}

// PurgeOpts selects records for deletion. Only finished records without an
// error are ever deleted.
type PurgeOpts struct {
	// JobName restricts the purge to one job; empty means all.
	JobName string

	// FinishedBefore restricts the purge to records last run before this
	// time; zero means any.
	FinishedBefore time.Time
}

// Stats summarizes stored records.
type Stats struct {
	Total    int64 `json:"total"`
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
	Locked   int64 `json:"locked"`
	Staged   int64 `json:"staged"`
	Awaiting int64 `json:"awaiting"`
}

// Store defines persistence for execution records.
type Store interface {
	// CreateRecord persists a new record. Returns
	// acidic.ErrRecordAlreadyExists when the key is taken.
	CreateRecord(ctx context.Context, r *Record) error

	// GetRecord retrieves a record by ID.
	GetRecord(ctx context.Context, recordID id.ID) (*Record, error)

	// FindRecord retrieves the record for an idempotency key and job name.
	FindRecord(ctx context.Context, key, jobName string) (*Record, error)

	// TryLock sets locked_at and last_run_at to now and clears the staged
	// flag, provided the record is not finished and is unlocked or locked
	// before staleBefore. It reports whether the lock was taken.
	TryLock(ctx context.Context, recordID id.ID, now, staleBefore time.Time) (bool, error)

	// Advance persists a step's result. It is fenced on token and returns
	// acidic.ErrLockLost when the lock has changed hands.
	Advance(ctx context.Context, recordID id.ID, token time.Time, a Advance) error

	// Release drops the lock, writing attrs and error together. It is
	// fenced on token.
	Release(ctx context.Context, recordID id.ID, token time.Time, rel Release) error

	// PurgeRecords deletes finished, error-free records matching opts and
	// returns how many were removed.
	PurgeRecords(ctx context.Context, opts PurgeOpts) (int64, error)

	// RecordStats counts records by state.
	RecordStats(ctx context.Context) (Stats, error)
}
