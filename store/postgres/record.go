package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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

	err = s.execSavepoint(ctx, `
		INSERT INTO acidic_records (`+recordColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14
		)`,
		r.ID.String(), r.IdempotencyKey, r.JobName, args, r.RecoveryPoint, wf, attrs,
		nilIfEmpty(r.Error), r.LockedAt, r.LastRunAt, r.Staged, r.BatchID,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return acidic.ErrRecordAlreadyExists
		}
		return fmt.Errorf("acidic/postgres: create record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, recordID id.ID) (*record.Record, error) {
	row := s.db(ctx).QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM acidic_records
		WHERE id = $1`,
		recordID.String(),
	)
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrRecordNotFound
		}
		return nil, fmt.Errorf("acidic/postgres: get record: %w", err)
	}
	return r, nil
}

// FindRecord retrieves the record for an idempotency key and job name.
func (s *Store) FindRecord(ctx context.Context, key, jobName string) (*record.Record, error) {
	row := s.db(ctx).QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM acidic_records
		WHERE idempotency_key = $1 AND job_name = $2`,
		key, jobName,
	)
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrRecordNotFound
		}
		return nil, fmt.Errorf("acidic/postgres: find record: %w", err)
	}
	return r, nil
}

// TryLock takes the record's lock if it is free or stale. The conditional
// UPDATE is the compare-and-swap: of two racing workers only one matches.
func (s *Store) TryLock(ctx context.Context, recordID id.ID, now, staleBefore time.Time) (bool, error) {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE acidic_records SET
			locked_at = $2, last_run_at = $2, staged = FALSE, updated_at = $2
		WHERE id = $1
		  AND recovery_point <> $4
		  AND (locked_at IS NULL OR locked_at < $3)`,
		recordID.String(), now.UTC(), staleBefore.UTC(), workflow.Finished,
	)
	if err != nil {
		return false, fmt.Errorf("acidic/postgres: lock record: %w", mapTxErr(err))
	}
	if tag.RowsAffected() == 1 {
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
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE acidic_records SET
			recovery_point = $3,
			attrs = $4,
			batch_id = $5,
			workflow = COALESCE($6, workflow),
			error = NULL,
			locked_at = CASE WHEN $7 THEN NULL ELSE locked_at END,
			updated_at = NOW()
		WHERE id = $1 AND locked_at = $2`,
		recordID.String(), token.UTC(), a.RecoveryPoint, attrs, a.BatchID, wf, a.Unlock,
	)
	if err != nil {
		return fmt.Errorf("acidic/postgres: advance record: %w", mapTxErr(err))
	}
	return s.fenced(ctx, recordID, tag.RowsAffected())
}

// Release drops the lock identified by token.
func (s *Store) Release(ctx context.Context, recordID id.ID, token time.Time, rel record.Release) error {
	_, attrs, err := encodeRecordJSON(nil, rel.Attrs)
	if err != nil {
		return err
	}
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE acidic_records SET
			attrs = $3, error = $4, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_at = $2`,
		recordID.String(), token.UTC(), attrs, nilIfEmpty(rel.Error),
	)
	if err != nil {
		return fmt.Errorf("acidic/postgres: release record: %w", mapTxErr(err))
	}
	return s.fenced(ctx, recordID, tag.RowsAffected())
}

// fenced turns a zero-row fenced UPDATE into ErrLockLost or
// ErrRecordNotFound.
func (s *Store) fenced(ctx context.Context, recordID id.ID, affected int64) error {
	if affected == 1 {
		return nil
	}
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return err
	}
	return acidic.ErrLockLost
}

// PurgeRecords deletes finished, error-free records matching opts.
func (s *Store) PurgeRecords(ctx context.Context, opts record.PurgeOpts) (int64, error) {
	var before *time.Time
	if !opts.FinishedBefore.IsZero() {
		t := opts.FinishedBefore.UTC()
		before = &t
	}
	tag, err := s.db(ctx).Exec(ctx, `
		DELETE FROM acidic_records
		WHERE recovery_point = $1
		  AND error IS NULL
		  AND ($2 = '' OR job_name = $2)
		  AND ($3::timestamptz IS NULL OR last_run_at < $3)`,
		workflow.Finished, opts.JobName, before,
	)
	if err != nil {
		return 0, fmt.Errorf("acidic/postgres: purge records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordStats counts records by state.
func (s *Store) RecordStats(ctx context.Context) (record.Stats, error) {
	var st record.Stats
	err := s.db(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE recovery_point = $1),
			COUNT(*) FILTER (WHERE error IS NOT NULL),
			COUNT(*) FILTER (WHERE locked_at IS NOT NULL),
			COUNT(*) FILTER (WHERE staged),
			COUNT(*) FILTER (WHERE batch_id <> '' AND recovery_point <> $1)
		FROM acidic_records`,
		workflow.Finished,
	).Scan(&st.Total, &st.Finished, &st.Failed, &st.Locked, &st.Staged, &st.Awaiting)
	if err != nil {
		return record.Stats{}, fmt.Errorf("acidic/postgres: record stats: %w", err)
	}
	return st, nil
}

// ──────────────────────────────────────────────────
// Scanning
// ──────────────────────────────────────────────────

func scanRecord(row pgx.Row) (*record.Record, error) {
	var (
		r       record.Record
		idStr   string
		args    string
		wf      []byte
		attrs   []byte
		errBlob []byte
	)
	err := row.Scan(
		&idStr, &r.IdempotencyKey, &r.JobName, &args, &r.RecoveryPoint, &wf, &attrs,
		&errBlob, &r.LockedAt, &r.LastRunAt, &r.Staged, &r.BatchID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseRecordID(idStr)
	if err != nil {
		return nil, fmt.Errorf("acidic/postgres: parse record id %q: %w", idStr, err)
	}
	r.ID = parsedID
	r.JobArgs = json.RawMessage(args)
	if len(errBlob) > 0 {
		r.Error = errBlob
	}
	if len(wf) > 0 {
		if err := json.Unmarshal(wf, &r.Workflow); err != nil {
			return nil, fmt.Errorf("acidic/postgres: decode workflow of %s: %w", idStr, err)
		}
	}
	r.Attrs = workflow.Attrs{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &r.Attrs); err != nil {
			return nil, fmt.Errorf("acidic/postgres: decode attrs of %s: %w", idStr, err)
		}
	}
	normalizeTimes(&r)
	return &r, nil
}

func normalizeTimes(r *record.Record) {
	r.LastRunAt = r.LastRunAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.LockedAt != nil {
		t := r.LockedAt.UTC()
		r.LockedAt = &t
	}
}

// encodeRecordJSON marshals the JSONB columns. A nil workflow encodes as
// NULL so COALESCE keeps the stored one.
func encodeRecordJSON(wf workflow.Workflow, attrs workflow.Attrs) (wfJSON, attrsJSON []byte, err error) {
	if wf != nil {
		if wfJSON, err = json.Marshal(wf); err != nil {
			return nil, nil, fmt.Errorf("acidic/postgres: encode workflow: %w", err)
		}
	}
	if attrs == nil {
		attrs = workflow.Attrs{}
	}
	if attrsJSON, err = json.Marshal(attrs); err != nil {
		return nil, nil, fmt.Errorf("acidic/postgres: encode attrs: %w", err)
	}
	return wfJSON, attrsJSON, nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
