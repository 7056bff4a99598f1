package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/workflow"
)

// CreateRecord persists a new record. A key conflict inserts nothing and
// reports ErrRecordAlreadyExists without aborting an open transaction.
func (s *Store) CreateRecord(ctx context.Context, r *record.Record) error {
	m, err := toRecordModel(r)
	if err != nil {
		return err
	}
	res, err := s.idb(ctx).NewInsert().Model(m).On("CONFLICT DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("acidic/bun: create record: %w", err)
	}
	if affected(res) == 0 {
		return acidic.ErrRecordAlreadyExists
	}
	return nil
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, recordID id.ID) (*record.Record, error) {
	m := new(recordModel)
	err := s.idb(ctx).NewSelect().Model(m).
		Where("id = ?", recordID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrRecordNotFound
		}
		return nil, fmt.Errorf("acidic/bun: get record: %w", err)
	}
	return fromRecordModel(m)
}

// FindRecord retrieves the record for an idempotency key and job name.
func (s *Store) FindRecord(ctx context.Context, key, jobName string) (*record.Record, error) {
	m := new(recordModel)
	err := s.idb(ctx).NewSelect().Model(m).
		Where("idempotency_key = ?", key).
		Where("job_name = ?", jobName).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrRecordNotFound
		}
		return nil, fmt.Errorf("acidic/bun: find record: %w", err)
	}
	return fromRecordModel(m)
}

// TryLock takes the record's lock if it is free or stale. Of two racing
// workers only one matches the conditional UPDATE.
func (s *Store) TryLock(ctx context.Context, recordID id.ID, now, staleBefore time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.idb(ctx).NewUpdate().
		TableExpr("acidic_records").
		Set("locked_at = ?", now).
		Set("last_run_at = ?", now).
		Set("staged = FALSE").
		Set("updated_at = ?", now).
		Where("id = ?", recordID.String()).
		Where("recovery_point <> ?", workflow.Finished).
		Where("(locked_at IS NULL OR locked_at < ?)", staleBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("acidic/bun: lock record: %w", mapTxErr(err))
	}
	if affected(res) == 1 {
		return true, nil
	}
	if err := s.exists(ctx, recordID); err != nil {
		return false, err
	}
	return false, nil
}

// Advance persists a step's result under the lock identified by token.
func (s *Store) Advance(ctx context.Context, recordID id.ID, token time.Time, a record.Advance) error {
	wf, attrs, err := encodeRecordJSON(a.Workflow, a.Attrs)
	if err != nil {
		return err
	}
	res, err := s.idb(ctx).NewUpdate().
		TableExpr("acidic_records").
		Set("recovery_point = ?", a.RecoveryPoint).
		Set("attrs = ?", attrs).
		Set("batch_id = ?", a.BatchID).
		Set("workflow = COALESCE(?, workflow)", wf).
		Set("error = NULL").
		Set("locked_at = CASE WHEN ? THEN NULL ELSE locked_at END", a.Unlock).
		Set("updated_at = NOW()").
		Where("id = ?", recordID.String()).
		Where("locked_at = ?", token.UTC()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("acidic/bun: advance record: %w", mapTxErr(err))
	}
	return s.fenced(ctx, recordID, affected(res))
}

// Release drops the lock identified by token.
func (s *Store) Release(ctx context.Context, recordID id.ID, token time.Time, rel record.Release) error {
	_, attrs, err := encodeRecordJSON(nil, rel.Attrs)
	if err != nil {
		return err
	}
	res, err := s.idb(ctx).NewUpdate().
		TableExpr("acidic_records").
		Set("attrs = ?", attrs).
		Set("error = ?", nilIfEmpty(rel.Error)).
		Set("locked_at = NULL").
		Set("updated_at = NOW()").
		Where("id = ?", recordID.String()).
		Where("locked_at = ?", token.UTC()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("acidic/bun: release record: %w", mapTxErr(err))
	}
	return s.fenced(ctx, recordID, affected(res))
}

// fenced turns a zero-row fenced UPDATE into ErrLockLost or
// ErrRecordNotFound.
func (s *Store) fenced(ctx context.Context, recordID id.ID, rows int64) error {
	if rows == 1 {
		return nil
	}
	if err := s.exists(ctx, recordID); err != nil {
		return err
	}
	return acidic.ErrLockLost
}

func (s *Store) exists(ctx context.Context, recordID id.ID) error {
	ok, err := s.idb(ctx).NewSelect().
		TableExpr("acidic_records").
		Where("id = ?", recordID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("acidic/bun: check record exists: %w", err)
	}
	if !ok {
		return acidic.ErrRecordNotFound
	}
	return nil
}

// PurgeRecords deletes finished, error-free records matching opts.
func (s *Store) PurgeRecords(ctx context.Context, opts record.PurgeOpts) (int64, error) {
	q := s.idb(ctx).NewDelete().
		TableExpr("acidic_records").
		Where("recovery_point = ?", workflow.Finished).
		Where("error IS NULL")
	if opts.JobName != "" {
		q = q.Where("job_name = ?", opts.JobName)
	}
	if !opts.FinishedBefore.IsZero() {
		q = q.Where("last_run_at < ?", opts.FinishedBefore.UTC())
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("acidic/bun: purge records: %w", err)
	}
	return affected(res), nil
}

// RecordStats counts records by state.
func (s *Store) RecordStats(ctx context.Context) (record.Stats, error) {
	var st record.Stats
	err := s.idb(ctx).NewRaw(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE recovery_point = ?0),
			COUNT(*) FILTER (WHERE error IS NOT NULL),
			COUNT(*) FILTER (WHERE locked_at IS NOT NULL),
			COUNT(*) FILTER (WHERE staged),
			COUNT(*) FILTER (WHERE batch_id <> '' AND recovery_point <> ?0)
		FROM acidic_records`,
		workflow.Finished,
	).Scan(ctx, &st.Total, &st.Finished, &st.Failed, &st.Locked, &st.Staged, &st.Awaiting)
	if err != nil {
		return record.Stats{}, fmt.Errorf("acidic/bun: record stats: %w", err)
	}
	return st, nil
}
