package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/queue"
	"github.com/xraph/acidic/staged"
)

const stagedColumns = `
	id, adapter, job_name, job_args, batch_id, callback,
	attempts, next_attempt_at, last_error, created_at`

// CreateStaged persists a staged job.
func (s *Store) CreateStaged(ctx context.Context, j *staged.Job) error {
	var callback, args any
	if j.Callback != nil {
		b, err := json.Marshal(j.Callback)
		if err != nil {
			return fmt.Errorf("acidic/sqlite: encode callback: %w", err)
		}
		callback = string(b)
	}
	if j.JobArgs != nil {
		args = string(j.JobArgs)
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO acidic_staged_jobs (`+stagedColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Adapter, j.JobName, args, j.BatchID, callback,
		j.Attempts, fmtTime(j.NextAttemptAt), j.LastError, fmtTime(j.CreatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return acidic.ErrRecordAlreadyExists
		}
		return fmt.Errorf("acidic/sqlite: create staged job: %w", mapTxErr(err))
	}
	return nil
}

// GetStaged retrieves a staged job by ID.
func (s *Store) GetStaged(ctx context.Context, stagedID id.ID) (*staged.Job, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+stagedColumns+`
		FROM acidic_staged_jobs
		WHERE id = ?`,
		stagedID.String(),
	)
	j, err := scanStaged(row)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrStagedNotFound
		}
		return nil, fmt.Errorf("acidic/sqlite: get staged job: %w", err)
	}
	return j, nil
}

// DeleteStaged removes a staged job.
func (s *Store) DeleteStaged(ctx context.Context, stagedID id.ID) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM acidic_staged_jobs WHERE id = ?`, stagedID.String())
	if err != nil {
		return fmt.Errorf("acidic/sqlite: delete staged job: %w", mapTxErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return acidic.ErrStagedNotFound
	}
	return nil
}

// ListDueStaged returns due staged jobs, oldest first.
func (s *Store) ListDueStaged(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*staged.Job, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+stagedColumns+`
		FROM acidic_staged_jobs
		WHERE next_attempt_at <= ?
		  AND (? <= 0 OR attempts < ?)
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT ?`,
		fmtTime(now), maxAttempts, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("acidic/sqlite: list due staged jobs: %w", err)
	}
	defer rows.Close()
	return collectStaged(rows)
}

// ListStagedBatch returns every staged job in batchID.
func (s *Store) ListStagedBatch(ctx context.Context, batchID string) ([]*staged.Job, error) {
	if batchID == "" {
		return nil, nil
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+stagedColumns+`
		FROM acidic_staged_jobs
		WHERE batch_id = ?
		ORDER BY id ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("acidic/sqlite: list staged batch: %w", err)
	}
	defer rows.Close()
	return collectStaged(rows)
}

// MarkStagedAttempt records a failed publish.
func (s *Store) MarkStagedAttempt(ctx context.Context, stagedID id.ID, attempts int, next time.Time, lastErr string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE acidic_staged_jobs SET
			attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		attempts, fmtTime(next), lastErr, stagedID.String(),
	)
	if err != nil {
		return fmt.Errorf("acidic/sqlite: mark staged attempt: %w", mapTxErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return acidic.ErrStagedNotFound
	}
	return nil
}

// CountStaged returns the number of staged jobs.
func (s *Store) CountStaged(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM acidic_staged_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("acidic/sqlite: count staged jobs: %w", err)
	}
	return n, nil
}

func scanStaged(row rowScanner) (*staged.Job, error) {
	var (
		j              staged.Job
		idStr          string
		args, callback sql.NullString
		next, created  string
	)
	err := row.Scan(
		&idStr, &j.Adapter, &j.JobName, &args, &j.BatchID, &callback,
		&j.Attempts, &next, &j.LastError, &created,
	)
	if err != nil {
		return nil, err
	}

	if j.ID, err = id.ParseStagedID(idStr); err != nil {
		return nil, fmt.Errorf("acidic/sqlite: parse staged id %q: %w", idStr, err)
	}
	if args.Valid {
		j.JobArgs = json.RawMessage(args.String)
	}
	if callback.Valid && callback.String != "" {
		j.Callback = &queue.Job{}
		if err := json.Unmarshal([]byte(callback.String), j.Callback); err != nil {
			return nil, fmt.Errorf("acidic/sqlite: decode callback of %s: %w", idStr, err)
		}
	}
	if j.NextAttemptAt, err = parseTime(next); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &j, nil
}

// collectStaged collects all staged jobs from query rows.
func collectStaged(rows *sql.Rows) ([]*staged.Job, error) {
	var jobs []*staged.Job
	for rows.Next() {
		j, err := scanStaged(rows)
		if err != nil {
			return nil, fmt.Errorf("acidic/sqlite: scan staged row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("acidic/sqlite: iterate staged rows: %w", err)
	}
	return jobs, nil
}
