package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
	var callback []byte
	if j.Callback != nil {
		var err error
		if callback, err = json.Marshal(j.Callback); err != nil {
			return fmt.Errorf("acidic/postgres: encode callback: %w", err)
		}
	}
	var args *string
	if j.JobArgs != nil {
		a := string(j.JobArgs)
		args = &a
	}

	err := s.execSavepoint(ctx, `
		INSERT INTO acidic_staged_jobs (`+stagedColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID.String(), j.Adapter, j.JobName, args, j.BatchID, callback,
		j.Attempts, j.NextAttemptAt.UTC(), j.LastError, j.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return acidic.ErrRecordAlreadyExists
		}
		return fmt.Errorf("acidic/postgres: create staged job: %w", err)
	}
	return nil
}

// GetStaged retrieves a staged job by ID.
func (s *Store) GetStaged(ctx context.Context, stagedID id.ID) (*staged.Job, error) {
	row := s.db(ctx).QueryRow(ctx, `
		SELECT `+stagedColumns+`
		FROM acidic_staged_jobs
		WHERE id = $1`,
		stagedID.String(),
	)
	j, err := scanStaged(row)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrStagedNotFound
		}
		return nil, fmt.Errorf("acidic/postgres: get staged job: %w", err)
	}
	return j, nil
}

// DeleteStaged removes a staged job.
func (s *Store) DeleteStaged(ctx context.Context, stagedID id.ID) error {
	tag, err := s.db(ctx).Exec(ctx, `DELETE FROM acidic_staged_jobs WHERE id = $1`, stagedID.String())
	if err != nil {
		return fmt.Errorf("acidic/postgres: delete staged job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return acidic.ErrStagedNotFound
	}
	return nil
}

// ListDueStaged returns due staged jobs, oldest first.
func (s *Store) ListDueStaged(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*staged.Job, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT `+stagedColumns+`
		FROM acidic_staged_jobs
		WHERE next_attempt_at <= $1
		  AND ($2 <= 0 OR attempts < $2)
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT $3`,
		now.UTC(), maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("acidic/postgres: list due staged jobs: %w", err)
	}
	defer rows.Close()
	return collectStaged(rows)
}

// ListStagedBatch returns every staged job in batchID.
func (s *Store) ListStagedBatch(ctx context.Context, batchID string) ([]*staged.Job, error) {
	if batchID == "" {
		return nil, nil
	}
	rows, err := s.db(ctx).Query(ctx, `
		SELECT `+stagedColumns+`
		FROM acidic_staged_jobs
		WHERE batch_id = $1
		ORDER BY id ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("acidic/postgres: list staged batch: %w", err)
	}
	defer rows.Close()
	return collectStaged(rows)
}

// MarkStagedAttempt records a failed publish.
func (s *Store) MarkStagedAttempt(ctx context.Context, stagedID id.ID, attempts int, next time.Time, lastErr string) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE acidic_staged_jobs SET
			attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1`,
		stagedID.String(), attempts, next.UTC(), lastErr,
	)
	if err != nil {
		return fmt.Errorf("acidic/postgres: mark staged attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return acidic.ErrStagedNotFound
	}
	return nil
}

// CountStaged returns the number of staged jobs.
func (s *Store) CountStaged(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM acidic_staged_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("acidic/postgres: count staged jobs: %w", err)
	}
	return n, nil
}

func scanStaged(row pgx.Row) (*staged.Job, error) {
	var (
		j        staged.Job
		idStr    string
		args     *string
		callback []byte
	)
	err := row.Scan(
		&idStr, &j.Adapter, &j.JobName, &args, &j.BatchID, &callback,
		&j.Attempts, &j.NextAttemptAt, &j.LastError, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseStagedID(idStr)
	if err != nil {
		return nil, fmt.Errorf("acidic/postgres: parse staged id %q: %w", idStr, err)
	}
	j.ID = parsedID
	if args != nil {
		j.JobArgs = json.RawMessage(*args)
	}
	if len(callback) > 0 {
		j.Callback = &queue.Job{}
		if err := json.Unmarshal(callback, j.Callback); err != nil {
			return nil, fmt.Errorf("acidic/postgres: decode callback of %s: %w", idStr, err)
		}
	}
	j.NextAttemptAt = j.NextAttemptAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

// collectStaged collects all staged jobs from query rows.
func collectStaged(rows pgx.Rows) ([]*staged.Job, error) {
	var jobs []*staged.Job
	for rows.Next() {
		j, err := scanStaged(rows)
		if err != nil {
			return nil, fmt.Errorf("acidic/postgres: scan staged row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("acidic/postgres: iterate staged rows: %w", err)
	}
	return jobs, nil
}
