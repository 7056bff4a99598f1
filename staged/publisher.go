package staged

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/queue"
)

// Emitter receives outbox lifecycle events.
// ext.Registry satisfies this interface via EmitStagedEnqueued.
type Emitter interface {
	EmitStagedEnqueued(ctx context.Context, j *Job)
}

// Publisher moves staged jobs onto their queues.
type Publisher struct {
	store    Store
	adapters *queue.Registry
	emitter  Emitter
	logger   *slog.Logger
}

// NewPublisher returns a Publisher. emitter may be nil.
func NewPublisher(store Store, adapters *queue.Registry, emitter Emitter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, adapters: adapters, emitter: emitter, logger: logger}
}

// Publish enqueues j and deletes its row. A job belonging to a batch
// publishes the whole batch. The row is left in place when the enqueue
// fails, for the sweeper to retry.
func (p *Publisher) Publish(ctx context.Context, j *Job) error {
	if j.BatchID != "" {
		return p.PublishBatch(ctx, j.BatchID)
	}

	a, err := p.adapters.Lookup(j.Adapter)
	if err != nil {
		return err
	}
	if err := a.Enqueue(ctx, j.QueueJob()); err != nil {
		return fmt.Errorf("acidic/staged: enqueue %s: %w", j.ID, err)
	}
	p.published(ctx, j)
	return nil
}

// PublishBatch enqueues every row staged under batchID as one queue batch
// and deletes them. A batch with no rows left has already been published.
func (p *Publisher) PublishBatch(ctx context.Context, batchID string) error {
	rows, err := p.store.ListStagedBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("acidic/staged: list batch %s: %w", batchID, err)
	}
	if len(rows) == 0 {
		return nil
	}

	b, err := p.adapters.Batcher(rows[0].Adapter)
	if err != nil {
		return err
	}

	batch := queue.Batch{ID: batchID, Jobs: make([]queue.Job, 0, len(rows))}
	for _, r := range rows {
		batch.Jobs = append(batch.Jobs, r.QueueJob())
		if r.Callback != nil {
			batch.Callback = *r.Callback
		}
	}
	if batch.Callback.Name == "" {
		return fmt.Errorf("acidic/staged: batch %s has no callback", batchID)
	}

	if err := b.EnqueueBatch(ctx, batch); err != nil {
		return fmt.Errorf("acidic/staged: enqueue batch %s: %w", batchID, err)
	}
	for _, r := range rows {
		p.published(ctx, r)
	}
	return nil
}

// published deletes a row after its job reached the queue. A failed delete
// only means the sweeper will publish the job again.
func (p *Publisher) published(ctx context.Context, j *Job) {
	if err := p.store.DeleteStaged(ctx, j.ID); err != nil && !errors.Is(err, acidic.ErrStagedNotFound) {
		p.logger.Warn("staged job delete failed",
			slog.String("staged_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if p.emitter != nil {
		p.emitter.EmitStagedEnqueued(ctx, j)
	}
}
