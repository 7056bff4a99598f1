package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/idempotency"
	mw "github.com/xraph/acidic/middleware"
	"github.com/xraph/acidic/queue"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/workflow"
)

// stepDoneArgs is the payload of a StepDoneJob callback.
type stepDoneArgs struct {
	RecordID string `json:"record_id"`
	Step     string `json:"step"`
	BatchID  string `json:"batch_id"`
}

// Handle is the queue-facing entry point: it satisfies queue.Handler.
// Await callbacks are routed to StepDone; every other job runs through
// Perform with the delivery's ID as the invocation's job id.
func (e *Engine) Handle(ctx context.Context, j queue.Job) error {
	if j.Name == StepDoneJob {
		var args stepDoneArgs
		if err := json.Unmarshal(j.Args, &args); err != nil {
			return fmt.Errorf("acidic/engine: decode %s args: %w", StepDoneJob, err)
		}
		rid, err := id.ParseRecordID(args.RecordID)
		if err != nil {
			return fmt.Errorf("acidic/engine: %s: %w", StepDoneJob, err)
		}
		_, err = e.StepDone(ctx, rid, args.Step, args.BatchID)
		return err
	}

	_, err := e.Perform(ctx, idempotency.Invocation{
		JobID:   j.ID,
		JobName: j.Name,
		Args:    j.Args,
	})
	return err
}

// Perform runs one delivery of a job. It resolves the execution record for
// the invocation's idempotency key, takes its lock and runs steps from the
// stored recovery point until the workflow finishes, parks on an awaited
// batch, or a step fails.
//
// A finished record is replayed: no step runs and Result.Replayed is set.
// A record locked by a live worker yields acidic.ErrLocked. A step error
// is persisted on the record and returned; the next delivery resumes at
// the failed step.
func (e *Engine) Perform(ctx context.Context, inv idempotency.Invocation) (*Result, error) {
	start := time.Now()

	plan, err := e.jobs.Plan(inv.JobName, inv.Args)
	if err != nil {
		return nil, err
	}
	key, err := e.deriver.Derive(inv)
	if err != nil {
		return nil, err
	}
	args, err := idempotency.CanonicalArgs(inv.Args)
	if err != nil {
		return nil, err
	}

	rec, token, err := e.resolve(ctx, key, inv.JobName, args, plan)
	if err != nil {
		return nil, err
	}
	if token.IsZero() {
		// Existing record: replay, park or lock it.
		if res := e.settled(ctx, rec); res != nil {
			return res, nil
		}
		rec, token, err = e.lock(ctx, rec)
		if err != nil {
			return nil, err
		}
		if token.IsZero() {
			return &Result{Record: rec, Replayed: true}, nil
		}
		if rec.Awaiting() {
			// Parked by the previous holder between our read and the lock.
			e.release(ctx, rec, token, rec.Error)
			return &Result{Record: rec, Awaiting: true}, nil
		}
	}

	// Records created by staging carry no workflow until their first run.
	if len(rec.Workflow) == 0 {
		adv := record.Advance{
			RecoveryPoint: plan.Workflow.First(),
			Workflow:      plan.Workflow,
			Attrs:         mergeAttrs(plan.Given, rec.Attrs),
		}
		if err := e.store.Advance(ctx, rec.ID, token, adv); err != nil {
			return nil, e.fail(ctx, rec, token, fmt.Errorf("acidic/engine: materialize workflow: %w", err))
		}
		applyAdvance(rec, adv)
	}

	return e.run(ctx, rec, plan, token, start)
}

// StepDone resumes a record whose awaited batch finished. Callbacks for a
// batch the record is no longer parked on are ignored.
func (e *Engine) StepDone(ctx context.Context, recordID id.ID, step, batchID string) (*Result, error) {
	start := time.Now()

	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("acidic/engine: step done: %w", err)
	}
	if rec.Finished() {
		e.extensions.EmitReplayed(ctx, rec)
		return &Result{Record: rec, Replayed: true}, nil
	}
	if rec.BatchID != batchID || rec.RecoveryPoint != step {
		e.logger.Debug("ignoring stale await callback",
			slog.String("record_id", rec.ID.String()),
			slog.String("step", step),
			slog.String("batch_id", batchID),
		)
		return &Result{Record: rec, Awaiting: rec.Awaiting()}, nil
	}

	// The park wrote updated_at; locking overwrites it.
	parkedAt := rec.UpdatedAt
	rec, token, err := e.lock(ctx, rec)
	if err != nil {
		return nil, err
	}
	if token.IsZero() {
		return &Result{Record: rec, Replayed: true}, nil
	}
	if rec.BatchID != batchID || rec.RecoveryPoint != step {
		e.release(ctx, rec, token, rec.Error)
		return &Result{Record: rec, Awaiting: rec.Awaiting()}, nil
	}

	plan, err := e.jobs.Plan(rec.JobName, rec.JobArgs)
	if err != nil {
		return nil, e.fail(ctx, rec, token, err)
	}

	s, ok := rec.Workflow.Lookup(step)
	if !ok {
		return nil, e.fail(ctx, rec, token, fmt.Errorf("%w: %q", acidic.ErrUnknownRecoveryPoint, step))
	}
	adv := record.Advance{
		RecoveryPoint: s.Then,
		Attrs:         rec.Attrs,
		Unlock:        s.Then == workflow.Finished,
	}
	if err := e.store.Advance(ctx, rec.ID, token, adv); err != nil {
		return nil, e.fail(ctx, rec, token, fmt.Errorf("acidic/engine: advance past %q: %w", step, err))
	}
	applyAdvance(rec, adv)
	e.extensions.EmitStepCompleted(ctx, rec, step, time.Since(parkedAt))

	return e.run(ctx, rec, plan, token, start)
}

// resolve finds the record for key or creates it already locked. A zero
// token means the record existed and is not locked by this call.
func (e *Engine) resolve(ctx context.Context, key, jobName string, args json.RawMessage, plan *workflow.Plan) (*record.Record, time.Time, error) {
	rec, err := e.store.FindRecord(ctx, key, jobName)
	switch {
	case err == nil:
		return rec, time.Time{}, checkArgs(rec, args)
	case !errors.Is(err, acidic.ErrRecordNotFound):
		return nil, time.Time{}, fmt.Errorf("acidic/engine: find record: %w", err)
	}

	token := record.LockToken(e.clock())
	rec = &record.Record{
		Entity:         acidic.NewEntity(),
		ID:             id.NewRecordID(),
		IdempotencyKey: key,
		JobName:        jobName,
		JobArgs:        args,
		RecoveryPoint:  plan.Workflow.First(),
		Workflow:       plan.Workflow,
		Attrs:          plan.Given.Clone(),
		LockedAt:       &token,
		LastRunAt:      token,
	}
	if err := e.store.CreateRecord(ctx, rec); err != nil {
		if !errors.Is(err, acidic.ErrRecordAlreadyExists) {
			return nil, time.Time{}, fmt.Errorf("acidic/engine: create record: %w", err)
		}
		// Lost the insert race to a concurrent delivery.
		existing, ferr := e.store.FindRecord(ctx, key, jobName)
		if ferr != nil {
			return nil, time.Time{}, fmt.Errorf("acidic/engine: find record: %w", ferr)
		}
		return existing, time.Time{}, checkArgs(existing, args)
	}

	e.logger.Info("execution record created",
		slog.String("record_id", rec.ID.String()),
		slog.String("job_name", jobName),
		slog.String("idempotency_key", key),
	)
	e.extensions.EmitRecordCreated(ctx, rec)
	return rec, token, nil
}

func checkArgs(rec *record.Record, args json.RawMessage) error {
	if !idempotency.SameArgs(rec.JobArgs, args) {
		return fmt.Errorf("%w: key %q job %q", acidic.ErrParameterMismatch, rec.IdempotencyKey, rec.JobName)
	}
	return nil
}

// settled returns the result for a record that needs no run: finished
// (replay) or parked on a batch. It returns nil when the record must run.
func (e *Engine) settled(ctx context.Context, rec *record.Record) *Result {
	switch {
	case rec.Finished():
		e.extensions.EmitReplayed(ctx, rec)
		return &Result{Record: rec, Replayed: true}
	case rec.Awaiting() && !rec.LockHeld(e.clock().Add(-e.cfg.StaleLockThreshold)):
		return &Result{Record: rec, Awaiting: true}
	}
	return nil
}

// lock takes rec's lock and returns the reloaded record with its token. A
// zero token means the record finished before the lock was taken. A live
// lock held elsewhere yields acidic.ErrLocked.
func (e *Engine) lock(ctx context.Context, rec *record.Record) (*record.Record, time.Time, error) {
	token := record.LockToken(e.clock())
	ok, err := e.store.TryLock(ctx, rec.ID, token, token.Add(-e.cfg.StaleLockThreshold))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acidic/engine: lock: %w", err)
	}

	cur, err := e.store.GetRecord(ctx, rec.ID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acidic/engine: reload record: %w", err)
	}
	if !ok {
		if cur.Finished() {
			e.extensions.EmitReplayed(ctx, cur)
			return cur, time.Time{}, nil
		}
		e.extensions.EmitLockContended(ctx, cur)
		return nil, time.Time{}, fmt.Errorf("%w: record %s", acidic.ErrLocked, cur.ID)
	}
	return cur, token, nil
}

// run executes steps from rec's recovery point. It is entered holding the
// lock identified by token and always leaves it released, except when a
// release write fails.
func (e *Engine) run(ctx context.Context, rec *record.Record, plan *workflow.Plan, token time.Time, start time.Time) (*Result, error) {
	for {
		if rec.RecoveryPoint == workflow.Finished {
			e.logger.Info("workflow finished",
				slog.String("record_id", rec.ID.String()),
				slog.String("job_name", rec.JobName),
				slog.Duration("elapsed", time.Since(start)),
			)
			e.extensions.EmitWorkflowFinished(ctx, rec, time.Since(start))
			return &Result{Record: rec}, nil
		}

		step, ok := rec.Workflow.Lookup(rec.RecoveryPoint)
		if !ok {
			err := fmt.Errorf("%w: %q not in %v", acidic.ErrUnknownRecoveryPoint, rec.RecoveryPoint, rec.Workflow.Names())
			return nil, e.fail(ctx, rec, token, err)
		}

		stepStart := time.Now()
		outcome, inHandler := e.executeStep(ctx, rec, plan, step, token)
		if outcome.Kind == workflow.OutcomeFail {
			// Handler errors are already logged by the Logging middleware.
			if !inHandler {
				e.logger.Error("step commit failed",
					slog.String("record_id", rec.ID.String()),
					slog.String("job_name", rec.JobName),
					slog.String("step", step.Does),
					slog.String("error", outcome.Err.Error()),
				)
			}
			e.extensions.EmitStepFailed(ctx, rec, step.Does, outcome.Err)
			return nil, e.fail(ctx, rec, token, outcome.Err)
		}

		if outcome.Kind == workflow.OutcomeAwait {
			e.logger.Info("step awaiting batch",
				slog.String("record_id", rec.ID.String()),
				slog.String("step", step.Does),
				slog.String("batch_id", outcome.BatchID),
			)
			return &Result{Record: rec, Awaiting: true}, nil
		}

		e.extensions.EmitStepCompleted(ctx, rec, step.Does, time.Since(stepStart))
	}
}

// executeStep runs one step in a storage transaction and, on commit,
// applies the persisted advance to rec. inHandler reports whether a
// failure came from the step handler rather than the surrounding writes.
func (e *Engine) executeStep(ctx context.Context, rec *record.Record, plan *workflow.Plan, step workflow.Step, token time.Time) (_ workflow.Outcome, inHandler bool) {
	h, hasHandler := plan.Handler(step.Does)
	if !hasHandler && len(step.Awaits) == 0 {
		return workflow.Fail(fmt.Errorf("%w: %q", acidic.ErrMissingHandler, step.Does)), false
	}

	scope := workflow.NewScope(rec.ID, rec.JobName, step.Does, rec.JobArgs, rec.Attrs)
	info := &mw.StepInfo{
		RecordID:       rec.ID,
		IdempotencyKey: rec.IdempotencyKey,
		JobName:        rec.JobName,
		Step:           step.Does,
	}

	var (
		outcome workflow.Outcome
		adv     record.Advance
	)
	err := e.store.InTx(ctx, func(ctx context.Context) error {
		if hasHandler {
			if err := e.chain(ctx, info, func(ctx context.Context) error {
				return h(ctx, scope)
			}); err != nil {
				inHandler = true
				return err
			}
		}

		switch {
		case scope.Halted():
			outcome = workflow.Halt()
		case len(step.Awaits) > 0:
			batchID, err := e.stageAwaits(ctx, rec, step)
			if err != nil {
				return err
			}
			outcome = workflow.Awaiting(batchID)
		default:
			outcome = workflow.Continue(step.Then)
		}

		adv = record.Advance{Attrs: scope.Attrs()}
		switch outcome.Kind {
		case workflow.OutcomeAwait:
			adv.RecoveryPoint = step.Does
			adv.BatchID = outcome.BatchID
			adv.Unlock = true
		default:
			adv.RecoveryPoint = outcome.Next
			adv.Unlock = outcome.Next == workflow.Finished
		}
		return e.store.Advance(ctx, rec.ID, token, adv)
	})
	if err != nil {
		return workflow.Fail(err), inHandler
	}

	applyAdvance(rec, adv)
	return outcome, false
}

// fail persists err on rec and releases the lock. A failed release is
// logged; the lock then expires through the staleness threshold. It
// returns err.
func (e *Engine) fail(ctx context.Context, rec *record.Record, token time.Time, err error) error {
	encoded, encErr := e.serializer.EncodeError(err)
	if encErr != nil {
		e.logger.Warn("error serialization failed",
			slog.String("record_id", rec.ID.String()),
			slog.String("error", encErr.Error()),
		)
	}
	if e.release(ctx, rec, token, encoded) {
		rec.Error = encoded
	}
	e.extensions.EmitWorkflowFailed(ctx, rec, err)
	return err
}

// release drops the lock keeping the last committed attrs. It reports
// whether the write succeeded.
func (e *Engine) release(ctx context.Context, rec *record.Record, token time.Time, stored []byte) bool {
	// The run may have failed because ctx was cancelled; the release
	// must still land.
	ctx = context.WithoutCancel(ctx)
	if err := e.store.Release(ctx, rec.ID, token, record.Release{Attrs: rec.Attrs, Error: stored}); err != nil {
		e.logger.Warn("lock release failed",
			slog.String("record_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	rec.LockedAt = nil
	return true
}

// applyAdvance mirrors a committed Advance onto the in-memory record.
func applyAdvance(rec *record.Record, adv record.Advance) {
	rec.RecoveryPoint = adv.RecoveryPoint
	rec.Attrs = adv.Attrs.Clone()
	rec.BatchID = adv.BatchID
	rec.Error = nil
	if adv.Workflow != nil {
		rec.Workflow = adv.Workflow
	}
	if adv.Unlock {
		rec.LockedAt = nil
	}
}

// mergeAttrs overlays stored attrs on the declared seed values.
func mergeAttrs(given, stored workflow.Attrs) workflow.Attrs {
	out := given.Clone()
	for k, v := range stored {
		out[k] = v
	}
	return out
}
