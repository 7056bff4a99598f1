package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/backoff"
	"github.com/xraph/acidic/engine"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/idempotency"
	"github.com/xraph/acidic/queue"
	memqueue "github.com/xraph/acidic/queue/memory"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
	memstore "github.com/xraph/acidic/store/memory"
	"github.com/xraph/acidic/workflow"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

var errDeclined = errors.New("card declined")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Microsecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingQueue captures enqueued jobs instead of running them.
type recordingQueue struct {
	name string

	mu      sync.Mutex
	jobs    []queue.Job
	batches []queue.Batch
	err     error
}

func (q *recordingQueue) Name() string { return q.name }

func (q *recordingQueue) Enqueue(_ context.Context, j queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *recordingQueue) EnqueueBatch(_ context.Context, b queue.Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.batches = append(q.batches, b)
	return nil
}

func (q *recordingQueue) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *recordingQueue) Jobs() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

// plainQueue has no batch support.
type plainQueue struct{ name string }

func (q plainQueue) Name() string                             { return q.name }
func (q plainQueue) Enqueue(context.Context, queue.Job) error { return nil }

// eventTracker counts lifecycle hooks by name.
type eventTracker struct {
	mu        sync.Mutex
	counts    map[string]int
	steps     []string
	durations map[string]time.Duration
}

func newEventTracker() *eventTracker {
	return &eventTracker{counts: make(map[string]int), durations: make(map[string]time.Duration)}
}

func (e *eventTracker) duration(step string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durations[step]
}

func (e *eventTracker) hit(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[name]++
}

func (e *eventTracker) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[name]
}

func (e *eventTracker) Name() string { return "event-tracker" }

func (e *eventTracker) OnRecordCreated(context.Context, *record.Record) error {
	e.hit("record_created")
	return nil
}

func (e *eventTracker) OnReplayed(context.Context, *record.Record) error {
	e.hit("replayed")
	return nil
}

func (e *eventTracker) OnLockContended(context.Context, *record.Record) error {
	e.hit("lock_contended")
	return nil
}

func (e *eventTracker) OnStepCompleted(_ context.Context, _ *record.Record, step string, elapsed time.Duration) error {
	e.mu.Lock()
	e.steps = append(e.steps, step)
	e.durations[step] = elapsed
	e.mu.Unlock()
	e.hit("step_completed")
	return nil
}

func (e *eventTracker) OnStepFailed(context.Context, *record.Record, string, error) error {
	e.hit("step_failed")
	return nil
}

func (e *eventTracker) OnWorkflowFinished(context.Context, *record.Record, time.Duration) error {
	e.hit("workflow_finished")
	return nil
}

func (e *eventTracker) OnWorkflowFailed(context.Context, *record.Record, error) error {
	e.hit("workflow_failed")
	return nil
}

func (e *eventTracker) OnJobStaged(context.Context, *staged.Job) error {
	e.hit("job_staged")
	return nil
}

func (e *eventTracker) OnStagedEnqueued(context.Context, *staged.Job) error {
	e.hit("staged_enqueued")
	return nil
}

func (e *eventTracker) OnShutdown(context.Context) error {
	e.hit("shutdown")
	return nil
}

type harness struct {
	eng    *engine.Engine
	store  *memstore.Store
	queue  *recordingQueue
	clock  *fakeClock
	events *eventTracker
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		queue:  &recordingQueue{name: "recording"},
		clock:  newFakeClock(),
		events: newEventTracker(),
	}
	base := []engine.Option{
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithAdapter(h.queue),
		engine.WithClock(h.clock.Now),
		engine.WithExtension(h.events),
	}
	eng, err := engine.New(h.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h.eng = eng
	return h
}

type rideArgs struct {
	RideID int `json:"ride_id"`
}

// registerRide registers a three step job that appends each step it runs
// to *ran.
func registerRide(h *harness, ran *[]string, mu *sync.Mutex) {
	step := func(name string) workflow.Handler {
		return func(_ context.Context, s *workflow.Scope) error {
			mu.Lock()
			*ran = append(*ran, name)
			mu.Unlock()
			return s.Set(name, true)
		}
	}
	engine.Register(h.eng, workflow.Definition[rideArgs]{
		Name: "ride",
		Declare: func(b *workflow.Builder, _ rideArgs) {
			b.Step("create_ride", step("create_ride")).
				Step("charge_card", step("charge_card")).
				Step("send_receipt", step("send_receipt"))
		},
	})
}

func rideInvocation(jobID string, rideID int) idempotency.Invocation {
	args, _ := json.Marshal(rideArgs{RideID: rideID})
	return idempotency.Invocation{JobID: jobID, JobName: "ride", Args: args}
}

func mustFind(t *testing.T, h *harness, key, jobName string) *record.Record {
	t.Helper()
	rec, err := h.store.FindRecord(context.Background(), key, jobName)
	if err != nil {
		t.Fatalf("FindRecord(%q): %v", key, err)
	}
	return rec
}

// seedRecord stores a ride record at recoveryPoint, locked at lockedAt when
// non-zero.
func seedRecord(t *testing.T, h *harness, key string, wf workflow.Workflow, point string, lockedAt time.Time) *record.Record {
	t.Helper()
	now := h.clock.Now()
	rec := &record.Record{
		Entity:         acidic.Entity{CreatedAt: now, UpdatedAt: now},
		ID:             id.NewRecordID(),
		IdempotencyKey: key,
		JobName:        "ride",
		JobArgs:        json.RawMessage(`{"ride_id":1}`),
		RecoveryPoint:  point,
		Workflow:       wf,
		Attrs:          workflow.Attrs{},
		LastRunAt:      now,
	}
	if !lockedAt.IsZero() {
		rec.LockedAt = &lockedAt
	}
	if err := h.store.CreateRecord(context.Background(), rec); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	return rec
}

var rideWorkflow = workflow.Workflow{
	{Does: "create_ride", Then: "charge_card"},
	{Does: "charge_card", Then: "send_receipt"},
	{Does: "send_receipt", Then: workflow.Finished},
}

// ──────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────

func TestNew_NoStore(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, acidic.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestNew_AppliesConfigDefaults(t *testing.T) {
	h := newHarness(t, engine.WithConfig(acidic.Config{StaleLockThreshold: time.Minute}))
	cfg := h.eng.Config()
	if cfg.StaleLockThreshold != time.Minute {
		t.Errorf("StaleLockThreshold = %v, want 1m", cfg.StaleLockThreshold)
	}
	if cfg.Granularity != acidic.GranularityJobID {
		t.Errorf("Granularity = %q, want job_id", cfg.Granularity)
	}
	if cfg.SweepGrace <= 0 || cfg.SweepBatchSize <= 0 {
		t.Errorf("sweep defaults not applied: %+v", cfg)
	}
}

// ──────────────────────────────────────────────────
// Perform
// ──────────────────────────────────────────────────

func TestPerform_RunsStepsInOrder(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)

	res, err := h.eng.Perform(context.Background(), rideInvocation("ride-1", 1))
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if res.Replayed || res.Awaiting {
		t.Fatalf("unexpected result flags: %+v", res)
	}
	if !res.Record.Finished() {
		t.Fatalf("result record at %q, want FINISHED", res.Record.RecoveryPoint)
	}

	want := []string{"create_ride", "charge_card", "send_receipt"}
	if strings.Join(ran, ",") != strings.Join(want, ",") {
		t.Fatalf("ran %v, want %v", ran, want)
	}

	rec := mustFind(t, h, "ride-1", "ride")
	if !rec.Succeeded() {
		t.Errorf("stored record not succeeded: point=%q error=%s", rec.RecoveryPoint, rec.Error)
	}
	if rec.LockedAt != nil {
		t.Error("lock still held after finish")
	}
	for _, step := range want {
		if !rec.Attrs.Has(step) {
			t.Errorf("attr %q not persisted", step)
		}
	}
	if got := h.events.count("step_completed"); got != 3 {
		t.Errorf("step_completed = %d, want 3", got)
	}
	if got := h.events.count("workflow_finished"); got != 1 {
		t.Errorf("workflow_finished = %d, want 1", got)
	}
	if got := h.events.count("record_created"); got != 1 {
		t.Errorf("record_created = %d, want 1", got)
	}
}

func TestPerform_ReplaysFinishedRecord(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)
	ctx := context.Background()

	first, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1))
	if err != nil {
		t.Fatalf("first Perform: %v", err)
	}
	second, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1))
	if err != nil {
		t.Fatalf("second Perform: %v", err)
	}

	if !second.Replayed {
		t.Fatal("second delivery was not a replay")
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("replay returned record %s, want %s", second.Record.ID, first.Record.ID)
	}
	if len(ran) != 3 {
		t.Errorf("steps ran %d times, want 3", len(ran))
	}
	if got := h.events.count("replayed"); got != 1 {
		t.Errorf("replayed = %d, want 1", got)
	}
}

func TestPerform_ArgsCompareCanonically(t *testing.T) {
	h := newHarness(t)
	h.eng.RegisterFunc("transfer", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("move", func(context.Context, *workflow.Scope) error { return nil })
		return nil
	})
	ctx := context.Background()

	if _, err := h.eng.Perform(ctx, idempotency.Invocation{
		JobID: "t-1", JobName: "transfer", Args: json.RawMessage(`{"from":1,"to":2}`),
	}); err != nil {
		t.Fatalf("first Perform: %v", err)
	}
	res, err := h.eng.Perform(ctx, idempotency.Invocation{
		JobID: "t-1", JobName: "transfer", Args: json.RawMessage(`{ "to": 2, "from": 1 }`),
	})
	if err != nil {
		t.Fatalf("reordered args rejected: %v", err)
	}
	if !res.Replayed {
		t.Error("expected replay for reordered args")
	}
}

func TestPerform_ParameterMismatch(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)
	ctx := context.Background()

	if _, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1)); err != nil {
		t.Fatalf("first Perform: %v", err)
	}
	ran = nil

	_, err := h.eng.Perform(ctx, rideInvocation("ride-1", 2))
	if !errors.Is(err, acidic.ErrParameterMismatch) {
		t.Fatalf("expected ErrParameterMismatch, got %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("steps ran on mismatch: %v", ran)
	}
}

func TestPerform_UnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Perform(context.Background(), idempotency.Invocation{JobID: "x", JobName: "nope"})
	if !errors.Is(err, acidic.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestPerform_NoDefinedSteps(t *testing.T) {
	h := newHarness(t)
	h.eng.RegisterFunc("empty", func(*workflow.Builder, json.RawMessage) error { return nil })

	_, err := h.eng.Perform(context.Background(), idempotency.Invocation{JobID: "x", JobName: "empty"})
	if !errors.Is(err, acidic.ErrNoDefinedSteps) {
		t.Fatalf("expected ErrNoDefinedSteps, got %v", err)
	}
	if _, err := h.store.FindRecord(context.Background(), "x", "empty"); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Errorf("record created for job without steps: %v", err)
	}
}

func TestPerform_LockHeldByLiveWorker(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)
	seedRecord(t, h, "ride-1", rideWorkflow, "charge_card", h.clock.Now().Add(-time.Minute))

	_, err := h.eng.Perform(context.Background(), rideInvocation("ride-1", 1))
	if !errors.Is(err, acidic.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("steps ran while locked: %v", ran)
	}
	if got := h.events.count("lock_contended"); got != 1 {
		t.Errorf("lock_contended = %d, want 1", got)
	}
}

func TestPerform_StealsStaleLock(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)
	seedRecord(t, h, "ride-1", rideWorkflow, "charge_card", h.clock.Now().Add(-time.Minute))

	// One hour later the lock is abandoned.
	h.clock.Advance(time.Hour)

	res, err := h.eng.Perform(context.Background(), rideInvocation("ride-1", 1))
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if !res.Record.Finished() {
		t.Fatalf("record at %q, want FINISHED", res.Record.RecoveryPoint)
	}
	want := "charge_card,send_receipt"
	if got := strings.Join(ran, ","); got != want {
		t.Errorf("ran %s, want %s (resume from stored point)", got, want)
	}
}

func TestPerform_StepFailureRollsBackAndResumes(t *testing.T) {
	h := newHarness(t)
	var (
		chargeRuns int
		createRuns int
		decline    = true
	)
	engine.Register(h.eng, workflow.Definition[rideArgs]{
		Name: "ride",
		Declare: func(b *workflow.Builder, _ rideArgs) {
			b.Step("create_ride", func(_ context.Context, s *workflow.Scope) error {
				createRuns++
				return s.Set("ride_id", 42)
			}).Step("charge_card", func(ctx context.Context, s *workflow.Scope) error {
				chargeRuns++
				if err := s.Set("charge_id", "ch_1"); err != nil {
					return err
				}
				if _, err := h.eng.Stage(ctx, "", "send_email", map[string]int{"ride_id": 42}); err != nil {
					return err
				}
				if decline {
					return errDeclined
				}
				return nil
			})
		},
	})
	ctx := context.Background()

	_, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1))
	if !errors.Is(err, errDeclined) {
		t.Fatalf("expected errDeclined, got %v", err)
	}

	rec := mustFind(t, h, "ride-1", "ride")
	if rec.RecoveryPoint != "charge_card" {
		t.Errorf("recovery point = %q, want charge_card", rec.RecoveryPoint)
	}
	if rec.LockedAt != nil {
		t.Error("lock not released after failure")
	}
	if !rec.Attrs.Has("ride_id") {
		t.Error("committed attr from create_ride lost")
	}
	if rec.Attrs.Has("charge_id") {
		t.Error("attr from failed step persisted")
	}
	stored := h.eng.RecordError(rec)
	if stored == nil || !strings.Contains(stored.Error(), "card declined") {
		t.Fatalf("stored error = %v, want card declined", stored)
	}
	if n, _ := h.store.CountStaged(ctx); n != 0 {
		t.Errorf("staged rows after rollback = %d, want 0", n)
	}
	if got := len(h.queue.Jobs()); got != 0 {
		t.Errorf("enqueued %d jobs from a rolled back step", got)
	}
	if got := h.events.count("step_failed"); got != 1 {
		t.Errorf("step_failed = %d, want 1", got)
	}
	if got := h.events.count("workflow_failed"); got != 1 {
		t.Errorf("workflow_failed = %d, want 1", got)
	}

	decline = false
	res, err := h.eng.Perform(ctx, rideInvocation("ride-1", 1))
	if err != nil {
		t.Fatalf("retry Perform: %v", err)
	}
	if !res.Record.Succeeded() {
		t.Fatalf("retry did not succeed: %+v", res.Record)
	}
	if createRuns != 1 {
		t.Errorf("create_ride ran %d times, want 1", createRuns)
	}
	if chargeRuns != 2 {
		t.Errorf("charge_card ran %d times, want 2", chargeRuns)
	}
	if got := len(h.queue.Jobs()); got != 1 {
		t.Errorf("enqueued %d jobs after success, want 1", got)
	}
	if h.eng.RecordError(res.Record) != nil {
		t.Error("error not cleared after successful retry")
	}
}

// faultyStore injects write failures into the memory store.
type faultyStore struct {
	*memstore.Store
	releaseErr error
	advanceErr func(a record.Advance) error
}

func (f *faultyStore) Advance(ctx context.Context, recordID id.ID, token time.Time, a record.Advance) error {
	if f.advanceErr != nil {
		if err := f.advanceErr(a); err != nil {
			return err
		}
	}
	return f.Store.Advance(ctx, recordID, token, a)
}

func (f *faultyStore) Release(ctx context.Context, recordID id.ID, token time.Time, rel record.Release) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	return f.Store.Release(ctx, recordID, token, rel)
}

// newTwoStepEngine registers "pair", steps a then b, on an engine over st.
// Step b returns bErr.
func newTwoStepEngine(t *testing.T, st *faultyStore, logs io.Writer, bErr error) *engine.Engine {
	t.Helper()
	eng, err := engine.New(st,
		engine.WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
		engine.WithAdapter(&recordingQueue{name: "recording"}),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	eng.RegisterFunc("pair", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("a", func(context.Context, *workflow.Scope) error { return nil }).
			Step("b", func(context.Context, *workflow.Scope) error { return bErr })
		return nil
	})
	return eng
}

func TestPerform_ReleaseFailureKeepsStepError(t *testing.T) {
	st := &faultyStore{Store: memstore.New(), releaseErr: errors.New("connection reset")}
	var logs strings.Builder
	eng := newTwoStepEngine(t, st, &logs, errDeclined)

	_, err := eng.Perform(context.Background(), idempotency.Invocation{JobID: "p-1", JobName: "pair"})
	if !errors.Is(err, errDeclined) {
		t.Fatalf("expected the step error, got %v", err)
	}

	rec, ferr := st.FindRecord(context.Background(), "p-1", "pair")
	if ferr != nil {
		t.Fatalf("FindRecord: %v", ferr)
	}
	if rec.RecoveryPoint != "b" {
		t.Errorf("recovery point = %q, want b", rec.RecoveryPoint)
	}
	if rec.LockedAt == nil {
		t.Error("lock cleared although the release write failed")
	}
	if !strings.Contains(logs.String(), "lock release failed") {
		t.Errorf("release failure not logged:\n%s", logs.String())
	}
}

func TestPerform_SerializationFailureReleasesLock(t *testing.T) {
	st := &faultyStore{Store: memstore.New()}
	st.advanceErr = func(a record.Advance) error {
		if a.RecoveryPoint == workflow.Finished {
			return fmt.Errorf("%w: concurrent update", acidic.ErrSerializationFailure)
		}
		return nil
	}
	eng := newTwoStepEngine(t, st, io.Discard, nil)
	ctx := context.Background()

	_, err := eng.Perform(ctx, idempotency.Invocation{JobID: "p-2", JobName: "pair"})
	if !errors.Is(err, acidic.ErrSerializationFailure) {
		t.Fatalf("expected ErrSerializationFailure, got %v", err)
	}

	rec, ferr := st.FindRecord(ctx, "p-2", "pair")
	if ferr != nil {
		t.Fatalf("FindRecord: %v", ferr)
	}
	if rec.RecoveryPoint != "b" {
		t.Errorf("recovery point = %q, want b", rec.RecoveryPoint)
	}
	if rec.LockedAt != nil {
		t.Error("lock held after a serialization failure")
	}
	if stored := eng.RecordError(rec); !errors.Is(stored, acidic.ErrSerializationFailure) {
		t.Errorf("stored error = %v, want ErrSerializationFailure", stored)
	}

	// The conflict clears and the next delivery finishes from b.
	st.advanceErr = nil
	res, err := eng.Perform(ctx, idempotency.Invocation{JobID: "p-2", JobName: "pair"})
	if err != nil {
		t.Fatalf("retry Perform: %v", err)
	}
	if !res.Record.Succeeded() {
		t.Errorf("retry left record at %q", res.Record.RecoveryPoint)
	}
}

func TestPerform_StepFailureLoggedOnce(t *testing.T) {
	tests := []struct {
		name       string
		bErr       error
		advanceErr error
		want       string
	}{
		{name: "handler error", bErr: errDeclined, want: "step failed"},
		{name: "commit error", advanceErr: errors.New("disk full"), want: "step commit failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &faultyStore{Store: memstore.New()}
			st.advanceErr = func(a record.Advance) error {
				if a.RecoveryPoint == workflow.Finished {
					return tt.advanceErr
				}
				return nil
			}
			var logs strings.Builder
			eng := newTwoStepEngine(t, st, &logs, tt.bErr)

			if _, err := eng.Perform(context.Background(), idempotency.Invocation{JobID: "p-3", JobName: "pair"}); err == nil {
				t.Fatal("expected an error")
			}
			out := logs.String()
			if n := strings.Count(out, "level=ERROR"); n != 1 {
				t.Errorf("%d error lines, want 1:\n%s", n, out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("log missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestPerform_PanicBecomesStepError(t *testing.T) {
	h := newHarness(t)
	h.eng.RegisterFunc("boom", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("explode", func(context.Context, *workflow.Scope) error { panic("kaboom") })
		return nil
	})

	_, err := h.eng.Perform(context.Background(), idempotency.Invocation{JobID: "b-1", JobName: "boom"})
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected panic error, got %v", err)
	}
	rec := mustFind(t, h, "b-1", "boom")
	if rec.LockedAt != nil || !rec.Failed() {
		t.Errorf("record after panic: locked=%v failed=%v", rec.LockedAt != nil, rec.Failed())
	}
}

func TestPerform_HaltFinishesEarly(t *testing.T) {
	h := newHarness(t)
	var thenRan bool
	h.eng.RegisterFunc("refund", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("check", func(_ context.Context, s *workflow.Scope) error {
			s.Halt()
			return nil
		}).Step("pay_out", func(context.Context, *workflow.Scope) error {
			thenRan = true
			return nil
		})
		return nil
	})

	res, err := h.eng.Perform(context.Background(), idempotency.Invocation{JobID: "r-1", JobName: "refund"})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if !res.Record.Finished() {
		t.Fatalf("record at %q, want FINISHED", res.Record.RecoveryPoint)
	}
	if thenRan {
		t.Error("step after halt ran")
	}
}

func TestPerform_GivenSeedsAttrs(t *testing.T) {
	h := newHarness(t)
	var seen int
	h.eng.RegisterFunc("count", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Given("count", 5).
			Step("read", func(_ context.Context, s *workflow.Scope) error {
				_, err := s.Get("count", &seen)
				return err
			})
		return nil
	})

	if _, err := h.eng.Perform(context.Background(), idempotency.Invocation{JobID: "c-1", JobName: "count"}); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if seen != 5 {
		t.Errorf("given attr = %d, want 5", seen)
	}
}

func TestPerform_UnknownRecoveryPoint(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)

	// A stored graph whose step points at a step that no longer exists.
	seedRecord(t, h, "ride-1", workflow.Workflow{{Does: "create_ride", Then: "ghost"}}, "create_ride", time.Time{})

	_, err := h.eng.Perform(context.Background(), rideInvocation("ride-1", 1))
	if !errors.Is(err, acidic.ErrUnknownRecoveryPoint) {
		t.Fatalf("expected ErrUnknownRecoveryPoint, got %v", err)
	}
	if !strings.Contains(err.Error(), "[create_ride]") {
		t.Errorf("error %q does not list the declared steps", err)
	}

	rec := mustFind(t, h, "ride-1", "ride")
	if rec.RecoveryPoint != "ghost" {
		t.Errorf("recovery point = %q, want ghost", rec.RecoveryPoint)
	}
	if rec.LockedAt != nil {
		t.Error("lock not released")
	}
	if stored := h.eng.RecordError(rec); !errors.Is(stored, acidic.ErrUnknownRecoveryPoint) {
		t.Errorf("stored error = %v, want ErrUnknownRecoveryPoint", stored)
	}
}

func TestPerform_JobArgsGranularity(t *testing.T) {
	cfg := acidic.DefaultConfig()
	cfg.Granularity = acidic.GranularityJobArgs
	h := newHarness(t, engine.WithConfig(cfg))
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)
	ctx := context.Background()

	if _, err := h.eng.Perform(ctx, rideInvocation("delivery-a", 7)); err != nil {
		t.Fatalf("first Perform: %v", err)
	}
	res, err := h.eng.Perform(ctx, rideInvocation("delivery-b", 7))
	if err != nil {
		t.Fatalf("second Perform: %v", err)
	}
	if !res.Replayed {
		t.Error("same args under a new job id should replay")
	}

	other, err := h.eng.Perform(ctx, rideInvocation("delivery-c", 8))
	if err != nil {
		t.Fatalf("third Perform: %v", err)
	}
	if other.Replayed || other.Record.ID == res.Record.ID {
		t.Error("different args must get their own record")
	}
}

func TestPerform_CustomKeyFunc(t *testing.T) {
	h := newHarness(t, engine.WithKeyFunc(func(inv idempotency.Invocation) (string, error) {
		return "tenant-1:" + inv.JobID, nil
	}))
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)

	if _, err := h.eng.Perform(context.Background(), rideInvocation("ride-1", 1)); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	mustFind(t, h, "tenant-1:ride-1", "ride")
}

func TestPerform_ConcurrentDeliveriesRunOnce(t *testing.T) {
	h := newHarness(t, engine.WithClock(time.Now))
	var runs atomic.Int32
	h.eng.RegisterFunc("slow", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("work", func(context.Context, *workflow.Scope) error {
			runs.Add(1)
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		return nil
	})

	const n = 8
	var (
		wg       sync.WaitGroup
		finished atomic.Int32
		locked   atomic.Int32
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.eng.Perform(context.Background(), idempotency.Invocation{JobID: "s-1", JobName: "slow"})
			switch {
			case errors.Is(err, acidic.ErrLocked):
				locked.Add(1)
			case err != nil:
				t.Errorf("Perform: %v", err)
			case res.Record.Finished():
				finished.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("step ran %d times, want 1", got)
	}
	if finished.Load()+locked.Load() != n {
		t.Errorf("finished=%d locked=%d, want total %d", finished.Load(), locked.Load(), n)
	}
}

// ──────────────────────────────────────────────────
// Stage
// ──────────────────────────────────────────────────

func TestStage_PublishesAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sj, err := h.eng.Stage(ctx, "", "send_email", map[string]string{"to": "a@b.c"})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	jobs := h.queue.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(jobs))
	}
	if jobs[0].ID != sj.ID.String() || jobs[0].Name != "send_email" {
		t.Errorf("enqueued %+v, want id %s", jobs[0], sj.ID)
	}
	if string(jobs[0].Args) != `{"to":"a@b.c"}` {
		t.Errorf("args = %s", jobs[0].Args)
	}
	if n, _ := h.store.CountStaged(ctx); n != 0 {
		t.Errorf("staged rows after publish = %d, want 0", n)
	}
	if h.events.count("job_staged") != 1 || h.events.count("staged_enqueued") != 1 {
		t.Errorf("staged events: staged=%d enqueued=%d",
			h.events.count("job_staged"), h.events.count("staged_enqueued"))
	}
}

func TestStage_InsideStepWaitsForCommit(t *testing.T) {
	h := newHarness(t)
	var enqueuedDuringStep int
	h.eng.RegisterFunc("notify", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("stage", func(ctx context.Context, _ *workflow.Scope) error {
			if _, err := h.eng.Stage(ctx, "", "send_email", nil); err != nil {
				return err
			}
			enqueuedDuringStep = len(h.queue.Jobs())
			return nil
		})
		return nil
	})

	if _, err := h.eng.Perform(context.Background(), idempotency.Invocation{JobID: "n-1", JobName: "notify"}); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if enqueuedDuringStep != 0 {
		t.Errorf("job enqueued before the step committed")
	}
	if got := len(h.queue.Jobs()); got != 1 {
		t.Errorf("enqueued %d jobs after commit, want 1", got)
	}
}

func TestStage_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.eng.Stage(ctx, "missing", "send_email", nil); !errors.Is(err, acidic.ErrUnknownAdapter) {
		t.Errorf("expected ErrUnknownAdapter, got %v", err)
	}
	if _, err := h.eng.Stage(ctx, "", "", nil); err == nil {
		t.Error("expected error for empty job name")
	}
	if _, err := h.eng.Stage(ctx, "", "bad", func() {}); err == nil {
		t.Error("expected error for unencodable args")
	}
}

func TestStage_FailedEnqueueIsSwept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.queue.setErr(errors.New("queue down"))

	sj, err := h.eng.Stage(ctx, "", "send_email", nil)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if n, _ := h.store.CountStaged(ctx); n != 1 {
		t.Fatalf("staged rows = %d, want 1", n)
	}

	sw, err := h.eng.Sweeper()
	if err != nil {
		t.Fatalf("Sweeper: %v", err)
	}

	// Within the grace period the row belongs to its committing process.
	res, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Published != 0 {
		t.Errorf("swept %d rows inside the grace period", res.Published)
	}

	h.queue.setErr(nil)
	h.clock.Advance(2 * time.Minute)
	res, err = sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Published != 1 {
		t.Fatalf("published %d, want 1", res.Published)
	}
	jobs := h.queue.Jobs()
	if len(jobs) != 1 || jobs[0].ID != sj.ID.String() {
		t.Errorf("enqueued %+v, want staged id %s", jobs, sj.ID)
	}
	if n, _ := h.store.CountStaged(ctx); n != 0 {
		t.Errorf("staged rows after sweep = %d, want 0", n)
	}
}

func TestStage_PrestagesRegisteredJob(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)
	ctx := context.Background()

	sj, err := h.eng.Stage(ctx, "", "ride", rideArgs{RideID: 3})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	rec := mustFind(t, h, sj.ID.String(), "ride")
	if !rec.Staged || len(rec.Workflow) != 0 {
		t.Fatalf("prestaged record: staged=%v workflow=%v", rec.Staged, rec.Workflow)
	}

	jobs := h.queue.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(jobs))
	}
	if err := h.eng.Handle(ctx, jobs[0]); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	rec = mustFind(t, h, sj.ID.String(), "ride")
	if !rec.Succeeded() {
		t.Fatalf("record at %q error=%s, want FINISHED", rec.RecoveryPoint, rec.Error)
	}
	if rec.Staged {
		t.Error("staged flag not cleared after first run")
	}
	if len(rec.Workflow) != 3 {
		t.Errorf("workflow has %d steps, want 3", len(rec.Workflow))
	}
	if len(ran) != 3 {
		t.Errorf("ran %v, want 3 steps", ran)
	}
}

func TestStage_RestageSameKeyKeepsRecord(t *testing.T) {
	cfg := acidic.DefaultConfig()
	cfg.Granularity = acidic.GranularityJobArgs
	h := newHarness(t, engine.WithConfig(cfg))
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)
	ctx := context.Background()

	// Both rows derive the same key, so the second prestage hits the
	// existing record and the staging transaction must still commit.
	for i := range 2 {
		if _, err := h.eng.Stage(ctx, "", "ride", rideArgs{RideID: 5}); err != nil {
			t.Fatalf("Stage #%d: %v", i+1, err)
		}
	}

	if n := len(h.queue.Jobs()); n != 2 {
		t.Fatalf("enqueued %d jobs, want 2", n)
	}
	stats, err := h.eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Records.Total != 1 {
		t.Errorf("records = %d, want 1", stats.Records.Total)
	}
	if h.events.count("record_created") != 1 {
		t.Errorf("record_created emitted %d times, want 1", h.events.count("record_created"))
	}
}

// ──────────────────────────────────────────────────
// Awaits
// ──────────────────────────────────────────────────

func TestAwaits_EndToEnd(t *testing.T) {
	q := memqueue.New(
		memqueue.WithConcurrency(4),
		memqueue.WithMaxAttempts(3),
		memqueue.WithBackoff(backoff.Fixed(time.Millisecond)),
		memqueue.WithPollInterval(5*time.Millisecond),
		memqueue.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	st := memstore.New()
	eng, err := engine.New(st,
		engine.WithAdapter(q),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	q.SetHandler(eng.Handle)

	var emails, receipts atomic.Int32
	eng.RegisterFunc("email", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("deliver", func(context.Context, *workflow.Scope) error {
			emails.Add(1)
			return nil
		})
		return nil
	})
	engine.Register(eng, workflow.Definition[rideArgs]{
		Name: "ride",
		Declare: func(b *workflow.Builder, args rideArgs) {
			b.Step("create_ride", func(context.Context, *workflow.Scope) error { return nil }).
				Step("send_emails", nil, workflow.Awaits(
					workflow.AwaitJob("email", map[string]any{"ride_id": args.RideID, "to": "rider"}),
					workflow.AwaitJob("email", map[string]any{"ride_id": args.RideID, "to": "driver"}),
				)).
				Step("send_receipt", func(context.Context, *workflow.Scope) error {
					receipts.Add(1)
					return nil
				})
		},
	})

	ctx := context.Background()
	res, err := eng.Perform(ctx, rideInvocation("ride-1", 9))
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if !res.Awaiting {
		t.Fatalf("expected awaiting result, got %+v", res)
	}
	if res.Record.RecoveryPoint != "send_emails" || res.Record.BatchID == "" {
		t.Fatalf("parked at %q batch %q", res.Record.RecoveryPoint, res.Record.BatchID)
	}

	again, err := eng.Perform(ctx, rideInvocation("ride-1", 9))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !again.Awaiting {
		t.Error("redelivery of a parked record should report awaiting")
	}

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = q.Stop(ctx) }()

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	rec := mustFindIn(t, st, "ride-1", "ride")
	if !rec.Succeeded() {
		t.Fatalf("ride at %q error=%s, want FINISHED", rec.RecoveryPoint, rec.Error)
	}
	if rec.BatchID != "" {
		t.Errorf("batch id %q not cleared", rec.BatchID)
	}
	if got := emails.Load(); got != 2 {
		t.Errorf("emails = %d, want 2", got)
	}
	if got := receipts.Load(); got != 1 {
		t.Errorf("receipts = %d, want 1", got)
	}
	if dead := q.Dead(); len(dead) != 0 {
		t.Errorf("dead jobs: %+v", dead)
	}
}

func TestAwaits_RequireBatchAdapter(t *testing.T) {
	h := newHarness(t, engine.WithAdapter(plainQueue{name: "plain"}))
	h.eng.RegisterFunc("fanout", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("spawn", nil, workflow.Awaits(workflow.Await{Adapter: "plain", JobName: "child"}))
		return nil
	})

	_, err := h.eng.Perform(context.Background(), idempotency.Invocation{JobID: "f-1", JobName: "fanout"})
	if !errors.Is(err, acidic.ErrBatchUnsupported) {
		t.Fatalf("expected ErrBatchUnsupported, got %v", err)
	}
}

func TestStepDone_IgnoresStaleCallback(t *testing.T) {
	h := newHarness(t)
	h.eng.RegisterFunc("fanout", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("spawn", nil, workflow.Awaits(workflow.AwaitJob("child", nil))).
			Step("after", func(context.Context, *workflow.Scope) error { return nil })
		return nil
	})
	ctx := context.Background()

	res, err := h.eng.Perform(ctx, idempotency.Invocation{JobID: "f-1", JobName: "fanout"})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	batchID := res.Record.BatchID

	stale, err := h.eng.StepDone(ctx, res.Record.ID, "spawn", "some-other-batch")
	if err != nil {
		t.Fatalf("StepDone(stale): %v", err)
	}
	if !stale.Awaiting {
		t.Error("stale callback should leave the record awaiting")
	}
	if rec := mustFind(t, h, "f-1", "fanout"); rec.RecoveryPoint != "spawn" || rec.BatchID != batchID {
		t.Errorf("stale callback moved record to %q/%q", rec.RecoveryPoint, rec.BatchID)
	}

	time.Sleep(2 * time.Millisecond)
	done, err := h.eng.StepDone(ctx, res.Record.ID, "spawn", batchID)
	if err != nil {
		t.Fatalf("StepDone: %v", err)
	}
	if !done.Record.Finished() {
		t.Errorf("record at %q after callback, want FINISHED", done.Record.RecoveryPoint)
	}
	if d := h.events.duration("spawn"); d < 2*time.Millisecond {
		t.Errorf("awaited step reported %v, want the time spent parked", d)
	}

	// A duplicate callback is a replay.
	dup, err := h.eng.StepDone(ctx, res.Record.ID, "spawn", batchID)
	if err != nil {
		t.Fatalf("duplicate StepDone: %v", err)
	}
	if !dup.Replayed {
		t.Error("duplicate callback should replay")
	}
}

func TestHandle_RoutesStepDone(t *testing.T) {
	h := newHarness(t)
	h.eng.RegisterFunc("fanout", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("spawn", nil, workflow.Awaits(workflow.AwaitJob("child", nil)))
		return nil
	})
	ctx := context.Background()

	res, err := h.eng.Perform(ctx, idempotency.Invocation{JobID: "f-1", JobName: "fanout"})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if len(h.queue.batches) != 1 {
		t.Fatalf("published %d batches, want 1", len(h.queue.batches))
	}
	cb := h.queue.batches[0].Callback
	if cb.Name != engine.StepDoneJob {
		t.Fatalf("callback name = %q", cb.Name)
	}

	if err := h.eng.Handle(ctx, cb); err != nil {
		t.Fatalf("Handle(callback): %v", err)
	}
	rec, err := h.store.GetRecord(ctx, res.Record.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !rec.Finished() {
		t.Errorf("record at %q, want FINISHED", rec.RecoveryPoint)
	}

	bad := queue.Job{ID: "x", Name: engine.StepDoneJob, Args: json.RawMessage(`{"record_id":"nope"}`)}
	if err := h.eng.Handle(ctx, bad); err == nil {
		t.Error("expected error for malformed callback")
	}
}

// ──────────────────────────────────────────────────
// Maintenance
// ──────────────────────────────────────────────────

func TestPurgeAndStats(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		ran []string
	)
	registerRide(h, &ran, &mu)
	h.eng.RegisterFunc("broken", func(b *workflow.Builder, _ json.RawMessage) error {
		b.Step("fail", func(context.Context, *workflow.Scope) error { return errDeclined })
		return nil
	})
	ctx := context.Background()

	for _, jid := range []string{"ride-1", "ride-2"} {
		if _, err := h.eng.Perform(ctx, rideInvocation(jid, 1)); err != nil {
			t.Fatalf("Perform(%s): %v", jid, err)
		}
	}
	if _, err := h.eng.Perform(ctx, idempotency.Invocation{JobID: "b-1", JobName: "broken"}); err == nil {
		t.Fatal("expected broken job to fail")
	}

	stats, err := h.eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Records.Total != 3 || stats.Records.Finished != 2 || stats.Records.Failed != 1 {
		t.Errorf("stats = %+v", stats.Records)
	}

	n, err := h.eng.Purge(ctx, record.PurgeOpts{})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	if _, err := h.store.FindRecord(ctx, "b-1", "broken"); err != nil {
		t.Errorf("failed record purged: %v", err)
	}
}

func TestStop_EmitsShutdown(t *testing.T) {
	h := newHarness(t)
	if err := h.eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.events.count("shutdown"); got != 1 {
		t.Errorf("shutdown = %d, want 1", got)
	}
}

func mustFindIn(t *testing.T, st *memstore.Store, key, jobName string) *record.Record {
	t.Helper()
	rec, err := st.FindRecord(context.Background(), key, jobName)
	if err != nil {
		t.Fatalf("FindRecord(%q): %v", key, err)
	}
	return rec
}
