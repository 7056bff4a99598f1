// Package storetest is a behavioural test suite shared by every store.Store
// backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/queue"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
	"github.com/xraph/acidic/store"
	"github.com/xraph/acidic/txn"
	"github.com/xraph/acidic/workflow"
)

// Factory returns an empty, migrated store. Each call must return an
// isolated instance.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateKey", testDuplicateKey},
		{"TryLock", testTryLock},
		{"StaleLock", testStaleLock},
		{"AdvanceFenced", testAdvanceFenced},
		{"AdvanceFinishes", testAdvanceFinishes},
		{"AdvanceMaterializesWorkflow", testAdvanceMaterializesWorkflow},
		{"Release", testRelease},
		{"Purge", testPurge},
		{"Stats", testStats},
		{"StagedLifecycle", testStagedLifecycle},
		{"ListDueStaged", testListDueStaged},
		{"StagedBatch", testStagedBatch},
		{"TxCommit", testTxCommit},
		{"TxRollback", testTxRollback},
		{"TxNested", testTxNested},
		{"TxDuplicateContinues", testTxDuplicateContinues},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s)
		})
	}
}

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

var twoSteps = workflow.Workflow{
	{Does: "a", Then: "b"},
	{Does: "b", Then: workflow.Finished},
}

// NewRecord returns a valid unlocked record at step "a".
func NewRecord(key string) *record.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &record.Record{
		Entity:         acidic.Entity{CreatedAt: now, UpdatedAt: now},
		ID:             id.NewRecordID(),
		IdempotencyKey: key,
		JobName:        "charge",
		JobArgs:        json.RawMessage(`{"amount":10}`),
		RecoveryPoint:  "a",
		Workflow:       twoSteps,
		Attrs:          workflow.Attrs{},
		LastRunAt:      now,
	}
}

func mustCreate(t *testing.T, s store.Store, r *record.Record) {
	t.Helper()
	if err := s.CreateRecord(context.Background(), r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
}

func mustLock(t *testing.T, s store.Store, r *record.Record) time.Time {
	t.Helper()
	now := record.LockToken(time.Now())
	ok, err := s.TryLock(context.Background(), r.ID, now, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if !ok {
		t.Fatal("TryLock: lock not acquired")
	}
	return now
}

// ──────────────────────────────────────────────────
// Record Store
// ──────────────────────────────────────────────────

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("k1")
	_ = r.Attrs.Set("x", 1)
	mustCreate(t, s, r)

	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.IdempotencyKey != "k1" || got.JobName != "charge" || got.RecoveryPoint != "a" {
		t.Fatalf("GetRecord = %+v", got)
	}
	if len(got.Workflow) != 2 || got.Workflow[0].Then != "b" {
		t.Fatalf("workflow = %+v", got.Workflow)
	}
	if !got.Attrs.Has("x") {
		t.Fatalf("attrs = %v", got.Attrs)
	}
	var args map[string]int
	if err := json.Unmarshal(got.JobArgs, &args); err != nil || args["amount"] != 10 {
		t.Fatalf("job args = %s (%v)", got.JobArgs, err)
	}

	found, err := s.FindRecord(ctx, "k1", "charge")
	if err != nil {
		t.Fatalf("FindRecord: %v", err)
	}
	if found.ID.String() != r.ID.String() {
		t.Fatalf("FindRecord id = %s, want %s", found.ID, r.ID)
	}

	if _, err := s.FindRecord(ctx, "k1", "refund"); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Fatalf("FindRecord other job: err = %v, want ErrRecordNotFound", err)
	}
	if _, err := s.GetRecord(ctx, id.NewRecordID()); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Fatalf("GetRecord missing: err = %v, want ErrRecordNotFound", err)
	}
}

func testDuplicateKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewRecord("dup"))

	again := NewRecord("dup")
	if err := s.CreateRecord(ctx, again); !errors.Is(err, acidic.ErrRecordAlreadyExists) {
		t.Fatalf("same key and job: err = %v, want ErrRecordAlreadyExists", err)
	}

	other := NewRecord("dup")
	other.JobArgs = json.RawMessage(`{"amount":99}`)
	if err := s.CreateRecord(ctx, other); !errors.Is(err, acidic.ErrRecordAlreadyExists) {
		t.Fatalf("same key, other args: err = %v, want ErrRecordAlreadyExists", err)
	}

	otherJob := NewRecord("dup")
	otherJob.JobName = "refund"
	if err := s.CreateRecord(ctx, otherJob); err != nil {
		t.Fatalf("same key, other job: %v", err)
	}
}

func testTryLock(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("lock")
	r.Staged = true
	mustCreate(t, s, r)

	token := mustLock(t, s, r)

	ok, err := s.TryLock(ctx, r.ID, token.Add(time.Second), token.Add(-time.Hour))
	if err != nil {
		t.Fatalf("second TryLock: %v", err)
	}
	if ok {
		t.Fatal("second TryLock acquired a held lock")
	}

	got, _ := s.GetRecord(ctx, r.ID)
	if got.LockedAt == nil || !got.LockedAt.Equal(token) {
		t.Fatalf("locked_at = %v, want %v", got.LockedAt, token)
	}
	if !got.LastRunAt.Equal(token) {
		t.Fatalf("last_run_at = %v, want %v", got.LastRunAt, token)
	}
	if got.Staged {
		t.Fatal("staged flag survived locking")
	}

	if _, err := s.TryLock(ctx, id.NewRecordID(), token, token); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Fatalf("TryLock missing: err = %v, want ErrRecordNotFound", err)
	}
}

func testStaleLock(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("stale")
	mustCreate(t, s, r)

	first := record.LockToken(time.Now().Add(-2 * time.Hour))
	if ok, err := s.TryLock(ctx, r.ID, first, first.Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}

	now := record.LockToken(time.Now())
	ok, err := s.TryLock(ctx, r.ID, now, now.Add(-time.Hour))
	if err != nil || !ok {
		t.Fatalf("steal stale lock = %v, %v", ok, err)
	}

	// The previous holder is fenced out.
	err = s.Advance(ctx, r.ID, first, record.Advance{RecoveryPoint: "b"})
	if !errors.Is(err, acidic.ErrLockLost) {
		t.Fatalf("Advance with stale token: err = %v, want ErrLockLost", err)
	}
}

func testAdvanceFenced(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("fence")
	mustCreate(t, s, r)

	if err := s.Advance(ctx, r.ID, time.Now(), record.Advance{RecoveryPoint: "b"}); !errors.Is(err, acidic.ErrLockLost) {
		t.Fatalf("Advance unlocked: err = %v, want ErrLockLost", err)
	}

	token := mustLock(t, s, r)
	attrs := workflow.Attrs{}
	_ = attrs.Set("charge_id", "ch_1")
	if err := s.Advance(ctx, r.ID, token, record.Advance{RecoveryPoint: "b", Attrs: attrs}); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	got, _ := s.GetRecord(ctx, r.ID)
	if got.RecoveryPoint != "b" {
		t.Fatalf("recovery point = %q, want b", got.RecoveryPoint)
	}
	var chargeID string
	if ok, _ := got.Attrs.Get("charge_id", &chargeID); !ok || chargeID != "ch_1" {
		t.Fatalf("attrs = %v", got.Attrs)
	}
	if got.LockedAt == nil {
		t.Fatal("lock dropped without Unlock")
	}
}

func testAdvanceFinishes(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("finish")
	r.Error = []byte(`{"v":1}`)
	mustCreate(t, s, r)
	token := mustLock(t, s, r)

	if err := s.Advance(ctx, r.ID, token, record.Advance{RecoveryPoint: workflow.Finished, Unlock: true}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	got, _ := s.GetRecord(ctx, r.ID)
	if !got.Succeeded() {
		t.Fatalf("record not succeeded: point=%q error=%q", got.RecoveryPoint, got.Error)
	}
	if got.LockedAt != nil {
		t.Fatal("lock kept after finishing")
	}

	ok, err := s.TryLock(ctx, r.ID, time.Now(), time.Now().Add(-time.Hour))
	if err != nil || ok {
		t.Fatalf("TryLock finished = %v, %v; want false, nil", ok, err)
	}
}

func testAdvanceMaterializesWorkflow(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := &record.Record{
		ID:             id.NewRecordID(),
		IdempotencyKey: "stg_x",
		JobName:        "charge",
		JobArgs:        json.RawMessage(`{}`),
		Staged:         true,
	}
	mustCreate(t, s, r)
	token := mustLock(t, s, r)

	if err := s.Advance(ctx, r.ID, token, record.Advance{RecoveryPoint: "a", Workflow: twoSteps}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	got, _ := s.GetRecord(ctx, r.ID)
	if len(got.Workflow) != 2 || got.RecoveryPoint != "a" {
		t.Fatalf("got workflow=%v point=%q", got.Workflow, got.RecoveryPoint)
	}
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("release")
	mustCreate(t, s, r)
	token := mustLock(t, s, r)

	attrs := workflow.Attrs{}
	_ = attrs.Set("n", 2)
	if err := s.Release(ctx, r.ID, token, record.Release{Attrs: attrs, Error: []byte("boom")}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ := s.GetRecord(ctx, r.ID)
	if got.LockedAt != nil {
		t.Fatal("lock kept after release")
	}
	if string(got.Error) != "boom" {
		t.Fatalf("error = %q, want boom", got.Error)
	}
	if got.RecoveryPoint != "a" {
		t.Fatalf("recovery point moved to %q", got.RecoveryPoint)
	}
	if !got.Attrs.Has("n") {
		t.Fatalf("attrs = %v", got.Attrs)
	}

	if err := s.Release(ctx, r.ID, token, record.Release{}); !errors.Is(err, acidic.ErrLockLost) {
		t.Fatalf("second Release: err = %v, want ErrLockLost", err)
	}
}

func testPurge(t *testing.T, s store.Store) {
	ctx := context.Background()

	finish := func(key, job string) *record.Record {
		r := NewRecord(key)
		r.JobName = job
		mustCreate(t, s, r)
		token := mustLock(t, s, r)
		if err := s.Advance(ctx, r.ID, token, record.Advance{RecoveryPoint: workflow.Finished, Unlock: true}); err != nil {
			t.Fatalf("Advance: %v", err)
		}
		return r
	}

	done1 := finish("p1", "charge")
	done2 := finish("p2", "refund")
	running := NewRecord("p3")
	mustCreate(t, s, running)
	failing := NewRecord("p4")
	mustCreate(t, s, failing)
	token := mustLock(t, s, failing)
	_ = s.Release(ctx, failing.ID, token, record.Release{Error: []byte("x")})

	n, err := s.PurgeRecords(ctx, record.PurgeOpts{JobName: "charge"})
	if err != nil {
		t.Fatalf("PurgeRecords: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := s.GetRecord(ctx, done1.ID); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Fatalf("finished record survived purge: %v", err)
	}

	n, err = s.PurgeRecords(ctx, record.PurgeOpts{FinishedBefore: time.Now().Add(-time.Hour)})
	if err != nil || n != 0 {
		t.Fatalf("purge with old cutoff = %d, %v; want 0", n, err)
	}

	n, err = s.PurgeRecords(ctx, record.PurgeOpts{})
	if err != nil || n != 1 {
		t.Fatalf("purge all = %d, %v; want 1", n, err)
	}
	if _, err := s.GetRecord(ctx, done2.ID); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Fatalf("finished record survived purge: %v", err)
	}
	for _, r := range []*record.Record{running, failing} {
		if _, err := s.GetRecord(ctx, r.ID); err != nil {
			t.Fatalf("unfinished record %s purged: %v", r.IdempotencyKey, err)
		}
	}

	// A purged key can be reused.
	mustCreate(t, s, NewRecord("p1"))
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()

	done := NewRecord("s1")
	mustCreate(t, s, done)
	token := mustLock(t, s, done)
	_ = s.Advance(ctx, done.ID, token, record.Advance{RecoveryPoint: workflow.Finished, Unlock: true})

	awaiting := NewRecord("s2")
	mustCreate(t, s, awaiting)
	token = mustLock(t, s, awaiting)
	_ = s.Advance(ctx, awaiting.ID, token, record.Advance{RecoveryPoint: "a", BatchID: "batch_1", Unlock: true})

	locked := NewRecord("s3")
	mustCreate(t, s, locked)
	mustLock(t, s, locked)

	pending := NewRecord("s4")
	pending.Staged = true
	mustCreate(t, s, pending)

	got, err := s.RecordStats(ctx)
	if err != nil {
		t.Fatalf("RecordStats: %v", err)
	}
	want := record.Stats{Total: 4, Finished: 1, Locked: 1, Staged: 1, Awaiting: 1}
	if got != want {
		t.Fatalf("RecordStats = %+v, want %+v", got, want)
	}
}

// ──────────────────────────────────────────────────
// Staged Store
// ──────────────────────────────────────────────────

func testStagedLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	j := staged.New("memory", "email", json.RawMessage(`{"to":"a@b"}`), now, time.Minute)
	if err := s.CreateStaged(ctx, j); err != nil {
		t.Fatalf("CreateStaged: %v", err)
	}
	got, err := s.GetStaged(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetStaged: %v", err)
	}
	if got.JobName != "email" || got.Adapter != "memory" || got.Attempts != 0 {
		t.Fatalf("GetStaged = %+v", got)
	}

	next := now.Add(time.Hour).Truncate(time.Microsecond)
	if err := s.MarkStagedAttempt(ctx, j.ID, 3, next, "unreachable"); err != nil {
		t.Fatalf("MarkStagedAttempt: %v", err)
	}
	got, _ = s.GetStaged(ctx, j.ID)
	if got.Attempts != 3 || got.LastError != "unreachable" || !got.NextAttemptAt.Equal(next) {
		t.Fatalf("after MarkStagedAttempt = %+v", got)
	}

	if n, _ := s.CountStaged(ctx); n != 1 {
		t.Fatalf("CountStaged = %d, want 1", n)
	}
	if err := s.DeleteStaged(ctx, j.ID); err != nil {
		t.Fatalf("DeleteStaged: %v", err)
	}
	if err := s.DeleteStaged(ctx, j.ID); !errors.Is(err, acidic.ErrStagedNotFound) {
		t.Fatalf("second DeleteStaged: err = %v, want ErrStagedNotFound", err)
	}
	if _, err := s.GetStaged(ctx, j.ID); !errors.Is(err, acidic.ErrStagedNotFound) {
		t.Fatalf("GetStaged deleted: err = %v, want ErrStagedNotFound", err)
	}
}

func testListDueStaged(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	old := staged.New("", "a", nil, now.Add(-2*time.Minute), 0)
	newer := staged.New("", "b", nil, now.Add(-time.Minute), 0)
	future := staged.New("", "c", nil, now, time.Hour)
	exhausted := staged.New("", "d", nil, now.Add(-3*time.Minute), 0)
	exhausted.Attempts = 5
	for _, j := range []*staged.Job{newer, future, old, exhausted} {
		if err := s.CreateStaged(ctx, j); err != nil {
			t.Fatalf("CreateStaged: %v", err)
		}
	}

	due, err := s.ListDueStaged(ctx, now, 5, 10)
	if err != nil {
		t.Fatalf("ListDueStaged: %v", err)
	}
	if len(due) != 2 || due[0].JobName != "a" || due[1].JobName != "b" {
		names := make([]string, len(due))
		for i, j := range due {
			names[i] = j.JobName
		}
		t.Fatalf("due = %v, want [a b]", names)
	}

	due, _ = s.ListDueStaged(ctx, now, 5, 1)
	if len(due) != 1 {
		t.Fatalf("limit ignored: %d rows", len(due))
	}
}

func testStagedBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	cb := &queue.Job{ID: "cb", Name: "acidic.step_done", Args: json.RawMessage(`{"step":"a"}`)}

	for _, name := range []string{"x", "y"} {
		j := staged.New("memory", name, nil, now, time.Minute)
		j.BatchID = "batch_1"
		j.Callback = cb
		if err := s.CreateStaged(ctx, j); err != nil {
			t.Fatalf("CreateStaged: %v", err)
		}
	}
	if err := s.CreateStaged(ctx, staged.New("memory", "z", nil, now, time.Minute)); err != nil {
		t.Fatalf("CreateStaged: %v", err)
	}

	rows, err := s.ListStagedBatch(ctx, "batch_1")
	if err != nil {
		t.Fatalf("ListStagedBatch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("batch rows = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Callback == nil || r.Callback.Name != "acidic.step_done" {
			t.Fatalf("callback = %+v", r.Callback)
		}
	}
	if rows, _ := s.ListStagedBatch(ctx, "batch_missing"); len(rows) != 0 {
		t.Fatalf("unknown batch returned %d rows", len(rows))
	}
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

func testTxCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("tx-commit")
	j := staged.New("", "email", nil, time.Now(), time.Minute)

	var hooked bool
	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.CreateRecord(ctx, r); err != nil {
			return err
		}
		if err := s.CreateStaged(ctx, j); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func(context.Context) { hooked = true })
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if !hooked {
		t.Fatal("after-commit hook did not run")
	}
	if _, err := s.GetRecord(ctx, r.ID); err != nil {
		t.Fatalf("record not committed: %v", err)
	}
	if _, err := s.GetStaged(ctx, j.ID); err != nil {
		t.Fatalf("staged job not committed: %v", err)
	}
}

func testTxRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("tx-rollback")
	mustCreate(t, s, r)
	token := mustLock(t, s, r)

	fresh := NewRecord("tx-fresh")
	j := staged.New("", "email", nil, time.Now(), time.Minute)
	boom := errors.New("boom")

	var hooked bool
	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.Advance(ctx, r.ID, token, record.Advance{RecoveryPoint: "b"}); err != nil {
			return err
		}
		if err := s.CreateRecord(ctx, fresh); err != nil {
			return err
		}
		if err := s.CreateStaged(ctx, j); err != nil {
			return err
		}
		txn.AfterCommit(ctx, func(context.Context) { hooked = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}
	if hooked {
		t.Fatal("after-commit hook ran on rollback")
	}

	got, _ := s.GetRecord(ctx, r.ID)
	if got.RecoveryPoint != "a" {
		t.Fatalf("recovery point = %q after rollback, want a", got.RecoveryPoint)
	}
	if got.LockedAt == nil || !got.LockedAt.Equal(token) {
		t.Fatal("lock changed by rolled back transaction")
	}
	if _, err := s.GetRecord(ctx, fresh.ID); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Fatalf("record created in rolled back tx: %v", err)
	}
	if _, err := s.FindRecord(ctx, "tx-fresh", "charge"); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Fatalf("key index kept after rollback: %v", err)
	}
	if _, err := s.GetStaged(ctx, j.ID); !errors.Is(err, acidic.ErrStagedNotFound) {
		t.Fatalf("staged job created in rolled back tx: %v", err)
	}
}

func testTxNested(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("tx-nested")
	boom := errors.New("boom")

	var order []string
	err := s.InTx(ctx, func(ctx context.Context) error {
		txn.AfterCommit(ctx, func(context.Context) { order = append(order, "outer") })
		err := s.InTx(ctx, func(ctx context.Context) error {
			txn.AfterCommit(ctx, func(context.Context) { order = append(order, "inner") })
			return s.CreateRecord(ctx, r)
		})
		if err != nil {
			return err
		}
		if len(order) != 0 {
			t.Error("inner InTx committed early")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}
	if len(order) != 0 {
		t.Fatalf("hooks ran after rollback: %v", order)
	}
	if _, err := s.GetRecord(ctx, r.ID); !errors.Is(err, acidic.ErrRecordNotFound) {
		t.Fatalf("inner write survived outer rollback: %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context) error {
		txn.AfterCommit(ctx, func(context.Context) { order = append(order, "outer") })
		return s.InTx(ctx, func(ctx context.Context) error {
			txn.AfterCommit(ctx, func(context.Context) { order = append(order, "inner") })
			return nil
		})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("hook order = %v, want [outer inner]", order)
	}
}

// A duplicate insert inside a transaction must leave the transaction usable.
func testTxDuplicateContinues(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewRecord("tx-dup"))

	after := NewRecord("tx-after-dup")
	j := staged.New("", "email", nil, time.Now(), time.Minute)
	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.CreateRecord(ctx, NewRecord("tx-dup")); !errors.Is(err, acidic.ErrRecordAlreadyExists) {
			t.Errorf("duplicate CreateRecord: err = %v, want ErrRecordAlreadyExists", err)
		}
		if err := s.CreateRecord(ctx, after); err != nil {
			return err
		}
		return s.CreateStaged(ctx, j)
	})
	if err != nil {
		t.Fatalf("InTx after duplicate: %v", err)
	}
	if _, err := s.FindRecord(ctx, "tx-after-dup", "charge"); err != nil {
		t.Fatalf("write after duplicate not committed: %v", err)
	}
	if _, err := s.GetStaged(ctx, j.ID); err != nil {
		t.Fatalf("staged job after duplicate not committed: %v", err)
	}
}
