package staged

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/queue"
)

// Job is one outbox row: a queue job written in the same transaction as the
// state change that produced it.
type Job struct {
	ID      id.ID           `json:"id"`
	Adapter string          `json:"adapter,omitempty"`
	JobName string          `json:"job_name"`
	JobArgs json.RawMessage `json:"job_args,omitempty"`

	// BatchID groups rows staged by one awaiting step. Rows in a batch are
	// published together through the adapter's Batcher.
	BatchID string `json:"batch_id,omitempty"`

	// Callback is the job enqueued once every member of the batch succeeds.
	Callback *queue.Job `json:"callback,omitempty"`

	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// New returns a staged job with a fresh ID, due for sweeping after grace.
func New(adapter, jobName string, args json.RawMessage, now time.Time, grace time.Duration) *Job {
	now = now.UTC()
	return &Job{
		ID:            id.NewStagedID(),
		Adapter:       adapter,
		JobName:       jobName,
		JobArgs:       args,
		NextAttemptAt: now.Add(grace),
		CreatedAt:     now,
	}
}

// QueueJob converts the row to the job handed to the adapter. The staged ID
// becomes the job id.
func (j *Job) QueueJob() queue.Job {
	return queue.Job{
		ID:    j.ID.String(),
		Name:  j.JobName,
		Args:  j.JobArgs,
		Batch: j.BatchID,
	}
}

// Validate checks the row's required fields.
func (j *Job) Validate() error {
	var errs []error
	if j.ID.IsNil() {
		errs = append(errs, errors.New("id is required"))
	}
	if j.JobName == "" {
		errs = append(errs, errors.New("job_name is required"))
	}
	if j.BatchID != "" && j.Callback == nil {
		errs = append(errs, errors.New("batch rows need a callback"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("acidic/staged: invalid job: %w", errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.JobArgs != nil {
		c.JobArgs = append(json.RawMessage(nil), j.JobArgs...)
	}
	if j.Callback != nil {
		cb := *j.Callback
		cb.Args = append(json.RawMessage(nil), j.Callback.Args...)
		c.Callback = &cb
	}
	return &c
}

// Store defines persistence for staged jobs.
type Store interface {
	// CreateStaged persists a staged job.
	CreateStaged(ctx context.Context, j *Job) error

	// GetStaged retrieves a staged job by ID.
	GetStaged(ctx context.Context, stagedID id.ID) (*Job, error)

	// DeleteStaged removes a published job. Returns
	// acidic.ErrStagedNotFound when it is already gone.
	DeleteStaged(ctx context.Context, stagedID id.ID) error

	// ListDueStaged returns up to limit jobs whose NextAttemptAt is at or
	// before now and whose Attempts is below maxAttempts, oldest first.
	ListDueStaged(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Job, error)

	// ListStagedBatch returns every job staged under batchID.
	ListStagedBatch(ctx context.Context, batchID string) ([]*Job, error)

	// MarkStagedAttempt records a failed publish.
	MarkStagedAttempt(ctx context.Context, stagedID id.ID, attempts int, next time.Time, lastErr string) error

	// CountStaged returns the number of staged jobs.
	CountStaged(ctx context.Context) (int64, error)
}
