// Package memory provides an in-memory store.Store for tests and
// single-process development.
//
// Transactions are implemented with an undo log: every write made while a
// transaction is active records how to revert itself, and a rollback
// replays the log backwards. There is no isolation between concurrent
// transactions; correctness under concurrency comes from the fenced lock
// writes, exactly as with the SQL backends at read-committed.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
	"github.com/xraph/acidic/txn"
)

// Ensure Store implements the subsystem stores at compile time.
// store.Store is checked in the store package tests to avoid an import
// cycle.
var (
	_ record.Store = (*Store)(nil)
	_ staged.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access.
type Store struct {
	mu sync.RWMutex

	records map[string]*record.Record
	keys    map[string]string // key+job name -> record id
	staged  map[string]*staged.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]*record.Record),
		keys:    make(map[string]string),
		staged:  make(map[string]*staged.Job),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate, Ping, Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// undoLog collects reverting closures for one transaction.
type undoLog struct {
	mu    sync.Mutex
	steps []func()
}

// InTx runs fn in a transaction. Writes made through ctx are reverted if fn
// returns an error.
func (m *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txn.Active(ctx) {
		return fn(ctx)
	}

	log := &undoLog{}
	txCtx, tx := txn.Begin(ctx, log)
	if err := fn(txCtx); err != nil {
		m.rollback(log)
		tx.RolledBack()
		return err
	}
	tx.Committed(ctx)
	return nil
}

func (m *Store) rollback(log *undoLog) {
	log.mu.Lock()
	steps := log.steps
	log.steps = nil
	log.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(steps) - 1; i >= 0; i-- {
		steps[i]()
	}
}

// journal records undo when ctx carries a transaction. Callers hold m.mu.
func journal(ctx context.Context, undo func()) {
	tx, ok := txn.From(ctx)
	if !ok {
		return
	}
	log, ok := tx.Handle.(*undoLog)
	if !ok {
		return
	}
	log.mu.Lock()
	log.steps = append(log.steps, undo)
	log.mu.Unlock()
}

// putRecord stores r, journaling the previous version. Callers hold m.mu.
func (m *Store) putRecord(ctx context.Context, r *record.Record) {
	key := r.ID.String()
	prev, existed := m.records[key]
	journal(ctx, func() {
		if existed {
			m.records[key] = prev
			return
		}
		delete(m.records, key)
		delete(m.keys, pairKey(r.IdempotencyKey, r.JobName))
	})
	m.records[key] = r
}

func pairKey(key, jobName string) string { return key + "\x00" + jobName }

// ──────────────────────────────────────────────────
// Record Store
// ──────────────────────────────────────────────────

// CreateRecord persists a new record.
func (m *Store) CreateRecord(ctx context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	pk := pairKey(r.IdempotencyKey, r.JobName)
	if _, exists := m.records[key]; exists {
		return acidic.ErrRecordAlreadyExists
	}
	if _, exists := m.keys[pk]; exists {
		return acidic.ErrRecordAlreadyExists
	}
	m.putRecord(ctx, r.Clone())
	m.keys[pk] = key
	return nil
}

// GetRecord retrieves a record by ID.
func (m *Store) GetRecord(_ context.Context, recordID id.ID) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[recordID.String()]
	if !ok {
		return nil, acidic.ErrRecordNotFound
	}
	return r.Clone(), nil
}

// FindRecord retrieves the record for an idempotency key and job name.
func (m *Store) FindRecord(_ context.Context, key, jobName string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rid, ok := m.keys[pairKey(key, jobName)]
	if !ok {
		return nil, acidic.ErrRecordNotFound
	}
	return m.records[rid].Clone(), nil
}

// TryLock takes the record's lock if it is free or stale.
func (m *Store) TryLock(ctx context.Context, recordID id.ID, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordID.String()]
	if !ok {
		return false, acidic.ErrRecordNotFound
	}
	if r.Finished() || r.LockHeld(staleBefore) {
		return false, nil
	}

	cp := r.Clone()
	t := now.UTC()
	cp.LockedAt = &t
	cp.LastRunAt = t
	cp.Staged = false
	cp.UpdatedAt = t
	m.putRecord(ctx, cp)
	return true, nil
}

// fenced returns a copy of the record if token still holds its lock.
// Callers hold m.mu.
func (m *Store) fenced(recordID id.ID, token time.Time) (*record.Record, error) {
	r, ok := m.records[recordID.String()]
	if !ok {
		return nil, acidic.ErrRecordNotFound
	}
	if r.LockedAt == nil || !r.LockedAt.Equal(token) {
		return nil, acidic.ErrLockLost
	}
	return r.Clone(), nil
}

// Advance persists a step's result under the lock identified by token.
func (m *Store) Advance(ctx context.Context, recordID id.ID, token time.Time, a record.Advance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.fenced(recordID, token)
	if err != nil {
		return err
	}
	cp.RecoveryPoint = a.RecoveryPoint
	cp.Attrs = a.Attrs.Clone()
	cp.BatchID = a.BatchID
	cp.Error = nil
	if a.Workflow != nil {
		cp.Workflow = append(cp.Workflow[:0:0], a.Workflow...)
	}
	if a.Unlock {
		cp.LockedAt = nil
	}
	cp.UpdatedAt = time.Now().UTC()
	m.putRecord(ctx, cp)
	return nil
}

// Release drops the lock identified by token.
func (m *Store) Release(ctx context.Context, recordID id.ID, token time.Time, rel record.Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.fenced(recordID, token)
	if err != nil {
		return err
	}
	cp.Attrs = rel.Attrs.Clone()
	cp.Error = append([]byte(nil), rel.Error...)
	if len(cp.Error) == 0 {
		cp.Error = nil
	}
	cp.LockedAt = nil
	cp.UpdatedAt = time.Now().UTC()
	m.putRecord(ctx, cp)
	return nil
}

// PurgeRecords deletes finished, error-free records matching opts.
func (m *Store) PurgeRecords(ctx context.Context, opts record.PurgeOpts) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, r := range m.records {
		if !r.Succeeded() {
			continue
		}
		if opts.JobName != "" && r.JobName != opts.JobName {
			continue
		}
		if !opts.FinishedBefore.IsZero() && !r.LastRunAt.Before(opts.FinishedBefore) {
			continue
		}
		pk := pairKey(r.IdempotencyKey, r.JobName)
		journal(ctx, func() {
			m.records[key] = r
			m.keys[pk] = key
		})
		delete(m.records, key)
		delete(m.keys, pk)
		n++
	}
	return n, nil
}

// RecordStats counts records by state.
func (m *Store) RecordStats(_ context.Context) (record.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s record.Stats
	for _, r := range m.records {
		s.Total++
		if r.Finished() {
			s.Finished++
		}
		if r.Failed() {
			s.Failed++
		}
		if r.LockedAt != nil {
			s.Locked++
		}
		if r.Staged {
			s.Staged++
		}
		if r.Awaiting() {
			s.Awaiting++
		}
	}
	return s, nil
}

// ──────────────────────────────────────────────────
// Staged Store
// ──────────────────────────────────────────────────

// putStaged stores j, journaling the previous version. Callers hold m.mu.
func (m *Store) putStaged(ctx context.Context, j *staged.Job) {
	key := j.ID.String()
	prev, existed := m.staged[key]
	journal(ctx, func() {
		if existed {
			m.staged[key] = prev
			return
		}
		delete(m.staged, key)
	})
	m.staged[key] = j
}

// CreateStaged persists a staged job.
func (m *Store) CreateStaged(ctx context.Context, j *staged.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.staged[j.ID.String()]; exists {
		return acidic.ErrRecordAlreadyExists
	}
	m.putStaged(ctx, j.Clone())
	return nil
}

// GetStaged retrieves a staged job by ID.
func (m *Store) GetStaged(_ context.Context, stagedID id.ID) (*staged.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.staged[stagedID.String()]
	if !ok {
		return nil, acidic.ErrStagedNotFound
	}
	return j.Clone(), nil
}

// DeleteStaged removes a staged job.
func (m *Store) DeleteStaged(ctx context.Context, stagedID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stagedID.String()
	prev, ok := m.staged[key]
	if !ok {
		return acidic.ErrStagedNotFound
	}
	journal(ctx, func() { m.staged[key] = prev })
	delete(m.staged, key)
	return nil
}

// ListDueStaged returns due staged jobs, oldest first.
func (m *Store) ListDueStaged(_ context.Context, now time.Time, maxAttempts, limit int) ([]*staged.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*staged.Job
	for _, j := range m.staged {
		if j.NextAttemptAt.After(now) {
			continue
		}
		if maxAttempts > 0 && j.Attempts >= maxAttempts {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextAttemptAt.Equal(due[k].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[k].NextAttemptAt)
		}
		return due[i].ID.String() < due[k].ID.String()
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*staged.Job, len(due))
	for i, j := range due {
		out[i] = j.Clone()
	}
	return out, nil
}

// ListStagedBatch returns every staged job in batchID.
func (m *Store) ListStagedBatch(_ context.Context, batchID string) ([]*staged.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if batchID == "" {
		return nil, nil
	}
	var out []*staged.Job
	for _, j := range m.staged {
		if j.BatchID == batchID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID.String() < out[k].ID.String() })
	return out, nil
}

// MarkStagedAttempt records a failed publish.
func (m *Store) MarkStagedAttempt(ctx context.Context, stagedID id.ID, attempts int, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.staged[stagedID.String()]
	if !ok {
		return acidic.ErrStagedNotFound
	}
	cp := j.Clone()
	cp.Attempts = attempts
	cp.NextAttemptAt = next.UTC()
	cp.LastError = lastErr
	m.putStaged(ctx, cp)
	return nil
}

// CountStaged returns the number of staged jobs.
func (m *Store) CountStaged(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.staged)), nil
}
