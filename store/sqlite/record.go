package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/workflow"
)

const recordColumns = `
	id, idempotency_key, job_name, job_args, recovery_point, workflow, attrs,
	error, locked_at, last_run_at, staged, batch_id, created_at, updated_at`

// CreateRecord persists a new record.
func (s *Store) CreateRecord(ctx context.Context, r *record.Record) error {
	wf, attrs, err := encodeRecordJSON(r.Workflow, r.Attrs)
	if err != nil {
		return err
	}
	args := string(r.JobArgs)
	if args == "" {
		args = "{}"
	}
	now := time.Now()
	created, updated := r.CreatedAt, r.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	lastRun := r.LastRunAt
	if lastRun.IsZero() {
		lastRun = now
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO acidic_records (`+recordColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.IdempotencyKey, r.JobName, args, r.RecoveryPoint, wf, attrs,
		nilIfEmpty(r.Error), fmtTimePtr(r.LockedAt), fmtTime(lastRun), r.Staged, r.BatchID,
		fmtTime(created), fmtTime(updated),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return acidic.ErrRecordAlreadyExists
		}
		return fmt.Errorf("acidic/sqlite: create record: %w", mapTxErr(err))
	}
	return nil
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, recordID id.ID) (*record.Record, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM acidic_records
		WHERE id = ?`,
		recordID.String(),
	)
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrRecordNotFound
		}
		return nil, fmt.Errorf("acidic/sqlite: get record: %w", err)
	}
	return r, nil
}

// FindRecord retrieves the record for an idempotency key and job name.
func (s *Store) FindRecord(ctx context.Context, key, jobName string) (*record.Record, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM acidic_records
		WHERE idempotency_key = ? AND job_name = ?`,
		key, jobName,
	)
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrRecordNotFound
		}
		return nil, fmt.Errorf("acidic/sqlite: find record: %w", err)
	}
	return r, nil
}

// TryLock takes the record's lock if it is free or stale.
func (s *Store) TryLock(ctx context.Context, recordID id.ID, now, staleBefore time.Time) (bool, error) {
	ts := fmtTime(now)
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE acidic_records SET
			locked_at = ?, last_run_at = ?, staged = 0, updated_at = ?
		WHERE id = ?
		  AND recovery_point <> ?
		  AND (locked_at IS NULL OR locked_at < ?)`,
		ts, ts, ts, recordID.String(), workflow.Finished, fmtTime(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("acidic/sqlite: lock record: %w", mapTxErr(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetRecord(ctx, recordID); err != nil {
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
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE acidic_records SET
			recovery_point = ?,
			attrs = ?,
			batch_id = ?,
			workflow = COALESCE(?, workflow),
			error = NULL,
			locked_at = CASE WHEN ? THEN NULL ELSE locked_at END,
			updated_at = ?
		WHERE id = ? AND locked_at = ?`,
		a.RecoveryPoint, attrs, a.BatchID, wf, a.Unlock, fmtTime(time.Now()),
		recordID.String(), fmtTime(token),
	)
	if err != nil {
		return fmt.Errorf("acidic/sqlite: advance record: %w", mapTxErr(err))
	}
	return s.fenced(ctx, recordID, res)
}

// Release drops the lock identified by token.
func (s *Store) Release(ctx context.Context, recordID id.ID, token time.Time, rel record.Release) error {
	_, attrs, err := encodeRecordJSON(nil, rel.Attrs)
	if err != nil {
		return err
	}
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE acidic_records SET
			attrs = ?, error = ?, locked_at = NULL, updated_at = ?
		WHERE id = ? AND locked_at = ?`,
		attrs, nilIfEmpty(rel.Error), fmtTime(time.Now()),
		recordID.String(), fmtTime(token),
	)
	if err != nil {
		return fmt.Errorf("acidic/sqlite: release record: %w", mapTxErr(err))
	}
	return s.fenced(ctx, recordID, res)
}

func (s *Store) fenced(ctx context.Context, recordID id.ID, res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return err
	}
	return acidic.ErrLockLost
}

// PurgeRecords deletes finished, error-free records matching opts.
func (s *Store) PurgeRecords(ctx context.Context, opts record.PurgeOpts) (int64, error) {
	var before any
	if !opts.FinishedBefore.IsZero() {
		before = fmtTime(opts.FinishedBefore)
	}
	res, err := s.conn(ctx).ExecContext(ctx, `
		DELETE FROM acidic_records
		WHERE recovery_point = ?
		  AND error IS NULL
		  AND (? = '' OR job_name = ?)
		  AND (? IS NULL OR last_run_at < ?)`,
		workflow.Finished, opts.JobName, opts.JobName, before, before,
	)
	if err != nil {
		return 0, fmt.Errorf("acidic/sqlite: purge records: %w", mapTxErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("acidic/sqlite: purge records: %w", err)
	}
	return n, nil
}

// RecordStats counts records by state.
func (s *Store) RecordStats(ctx context.Context) (record.Stats, error) {
	var st record.Stats
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(recovery_point = ?), 0),
			COALESCE(SUM(error IS NOT NULL), 0),
			COALESCE(SUM(locked_at IS NOT NULL), 0),
			COALESCE(SUM(staged), 0),
			COALESCE(SUM(batch_id <> '' AND recovery_point <> ?), 0)
		FROM acidic_records`,
		workflow.Finished, workflow.Finished,
	).Scan(&st.Total, &st.Finished, &st.Failed, &st.Locked, &st.Staged, &st.Awaiting)
	if err != nil {
		return record.Stats{}, fmt.Errorf("acidic/sqlite: record stats: %w", err)
	}
	return st, nil
}

// ──────────────────────────────────────────────────
// Scanning
// ──────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		r                         record.Record
		idStr, args               string
		wf                        sql.NullString
		attrs                     string
		errBlob                   []byte
		lockedAt                  sql.NullString
		lastRun, created, updated string
	)
	err := row.Scan(
		&idStr, &r.IdempotencyKey, &r.JobName, &args, &r.RecoveryPoint, &wf, &attrs,
		&errBlob, &lockedAt, &lastRun, &r.Staged, &r.BatchID, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if r.ID, err = id.ParseRecordID(idStr); err != nil {
		return nil, fmt.Errorf("acidic/sqlite: parse record id %q: %w", idStr, err)
	}
	r.JobArgs = json.RawMessage(args)
	if len(errBlob) > 0 {
		r.Error = errBlob
	}
	if wf.Valid && wf.String != "" {
		if err := json.Unmarshal([]byte(wf.String), &r.Workflow); err != nil {
			return nil, fmt.Errorf("acidic/sqlite: decode workflow of %s: %w", idStr, err)
		}
	}
	r.Attrs = workflow.Attrs{}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &r.Attrs); err != nil {
			return nil, fmt.Errorf("acidic/sqlite: decode attrs of %s: %w", idStr, err)
		}
	}
	if lockedAt.Valid {
		t, err := parseTime(lockedAt.String)
		if err != nil {
			return nil, err
		}
		r.LockedAt = &t
	}
	if r.LastRunAt, err = parseTime(lastRun); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

// encodeRecordJSON marshals the JSON text columns. A nil workflow encodes
// as NULL so COALESCE keeps the stored one.
func encodeRecordJSON(wf workflow.Workflow, attrs workflow.Attrs) (wfJSON any, attrsJSON string, err error) {
	if wf != nil {
		b, err := json.Marshal(wf)
		if err != nil {
			return nil, "", fmt.Errorf("acidic/sqlite: encode workflow: %w", err)
		}
		wfJSON = string(b)
	}
	if attrs == nil {
		attrs = workflow.Attrs{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, "", fmt.Errorf("acidic/sqlite: encode attrs: %w", err)
	}
	return wfJSON, string(b), nil
}
