package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/idempotency"
	"github.com/xraph/acidic/queue"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
	"github.com/xraph/acidic/txn"
	"github.com/xraph/acidic/workflow"
)

// Stage writes a job to the transactional outbox. Called inside a step, or
// any ctx carrying a store transaction, the row joins that transaction;
// otherwise Stage opens its own. Once the transaction commits the job is
// enqueued through the named adapter (empty selects the default) with the
// staged ID as its job id. If that enqueue fails, the sweeper retries it.
//
// args may be a json.RawMessage or any JSON-encodable value. Staging a job
// registered with the engine also creates its execution record, so the
// first delivery finds it.
func (e *Engine) Stage(ctx context.Context, adapter, jobName string, args any) (*staged.Job, error) {
	if jobName == "" {
		return nil, errors.New("acidic/engine: stage: job name is required")
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("acidic/engine: stage %s: %w", jobName, err)
	}
	a, err := e.adapters.Lookup(adapter)
	if err != nil {
		return nil, err
	}

	sj := staged.New(a.Name(), jobName, raw, e.clock(), e.cfg.SweepGrace)
	err = e.store.InTx(ctx, func(ctx context.Context) error {
		if err := e.stage(ctx, sj); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func(ctx context.Context) {
			if err := e.publisher.Publish(ctx, sj); err != nil {
				e.logger.Warn("outbox enqueue failed",
					slog.String("staged_id", sj.ID.String()),
					slog.String("job_name", sj.JobName),
					slog.String("error", err.Error()),
				)
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sj, nil
}

// stage writes sj and, for registered jobs, its pending record. ctx must
// carry a transaction.
func (e *Engine) stage(ctx context.Context, sj *staged.Job) error {
	if err := sj.Validate(); err != nil {
		return err
	}
	if err := e.store.CreateStaged(ctx, sj); err != nil {
		return fmt.Errorf("acidic/engine: stage %s: %w", sj.JobName, err)
	}

	if e.jobs.Has(sj.JobName) {
		if err := e.prestage(ctx, sj); err != nil {
			return err
		}
	}

	e.extensions.EmitJobStaged(ctx, sj)
	return nil
}

// prestage creates the record the staged job's first delivery will run.
// An existing record for the same key is left alone.
func (e *Engine) prestage(ctx context.Context, sj *staged.Job) error {
	key, err := e.deriver.Derive(idempotency.Invocation{
		JobID:   sj.ID.String(),
		JobName: sj.JobName,
		Args:    sj.JobArgs,
	})
	if err != nil {
		return err
	}
	args, err := idempotency.CanonicalArgs(sj.JobArgs)
	if err != nil {
		return err
	}

	rec := &record.Record{
		Entity:         acidic.NewEntity(),
		ID:             id.NewRecordID(),
		IdempotencyKey: key,
		JobName:        sj.JobName,
		JobArgs:        args,
		LastRunAt:      sj.CreatedAt,
		Staged:         true,
	}
	if err := e.store.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, acidic.ErrRecordAlreadyExists) {
			return nil
		}
		return fmt.Errorf("acidic/engine: prestage %s: %w", sj.JobName, err)
	}
	e.extensions.EmitRecordCreated(ctx, rec)
	return nil
}

// stageAwaits stages step's awaited jobs as one batch whose callback
// resumes rec, and publishes the batch after the step commits. ctx
// carries the step's transaction.
func (e *Engine) stageAwaits(ctx context.Context, rec *record.Record, step workflow.Step) (string, error) {
	adapter := step.Awaits[0].Adapter
	for _, a := range step.Awaits[1:] {
		if a.Adapter != adapter {
			return "", fmt.Errorf("acidic/engine: step %q awaits jobs on different adapters", step.Does)
		}
	}
	a, err := e.adapters.Lookup(adapter)
	if err != nil {
		return "", err
	}
	if _, err := e.adapters.Batcher(a.Name()); err != nil {
		return "", err
	}

	batchID := id.NewBatchID().String()
	cbArgs, err := json.Marshal(stepDoneArgs{
		RecordID: rec.ID.String(),
		Step:     step.Does,
		BatchID:  batchID,
	})
	if err != nil {
		return "", fmt.Errorf("acidic/engine: encode callback: %w", err)
	}
	callback := &queue.Job{ID: batchID + ":done", Name: StepDoneJob, Args: cbArgs}

	now := e.clock()
	for _, aw := range step.Awaits {
		sj := staged.New(a.Name(), aw.JobName, aw.Args, now, e.cfg.SweepGrace)
		sj.BatchID = batchID
		sj.Callback = callback
		if err := e.stage(ctx, sj); err != nil {
			return "", err
		}
	}

	txn.AfterCommit(ctx, func(ctx context.Context) {
		if err := e.publisher.PublishBatch(ctx, batchID); err != nil {
			e.logger.Warn("outbox batch enqueue failed",
				slog.String("batch_id", batchID),
				slog.String("record_id", rec.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	})
	return batchID, nil
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
