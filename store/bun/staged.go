package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/staged"
)

// CreateStaged persists a staged job.
func (s *Store) CreateStaged(ctx context.Context, j *staged.Job) error {
	m, err := toStagedModel(j)
	if err != nil {
		return err
	}
	res, err := s.idb(ctx).NewInsert().Model(m).On("CONFLICT DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("acidic/bun: create staged job: %w", err)
	}
	if affected(res) == 0 {
		return acidic.ErrRecordAlreadyExists
	}
	return nil
}

// GetStaged retrieves a staged job by ID.
func (s *Store) GetStaged(ctx context.Context, stagedID id.ID) (*staged.Job, error) {
	m := new(stagedModel)
	err := s.idb(ctx).NewSelect().Model(m).
		Where("id = ?", stagedID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, acidic.ErrStagedNotFound
		}
		return nil, fmt.Errorf("acidic/bun: get staged job: %w", err)
	}
	return fromStagedModel(m)
}

// DeleteStaged removes a staged job.
func (s *Store) DeleteStaged(ctx context.Context, stagedID id.ID) error {
	res, err := s.idb(ctx).NewDelete().
		TableExpr("acidic_staged_jobs").
		Where("id = ?", stagedID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("acidic/bun: delete staged job: %w", err)
	}
	if affected(res) == 0 {
		return acidic.ErrStagedNotFound
	}
	return nil
}

// ListDueStaged returns due staged jobs, oldest first.
func (s *Store) ListDueStaged(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*staged.Job, error) {
	var models []stagedModel
	q := s.idb(ctx).NewSelect().Model(&models).
		Where("next_attempt_at <= ?", now.UTC())
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	if err := q.Order("next_attempt_at ASC", "id ASC").Limit(limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("acidic/bun: list due staged jobs: %w", err)
	}
	return fromStagedModels(models)
}

// ListStagedBatch returns every staged job in batchID.
func (s *Store) ListStagedBatch(ctx context.Context, batchID string) ([]*staged.Job, error) {
	if batchID == "" {
		return nil, nil
	}
	var models []stagedModel
	err := s.idb(ctx).NewSelect().Model(&models).
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("acidic/bun: list staged batch: %w", err)
	}
	return fromStagedModels(models)
}

// MarkStagedAttempt records a failed publish.
func (s *Store) MarkStagedAttempt(ctx context.Context, stagedID id.ID, attempts int, next time.Time, lastErr string) error {
	res, err := s.idb(ctx).NewUpdate().
		TableExpr("acidic_staged_jobs").
		Set("attempts = ?", attempts).
		Set("next_attempt_at = ?", next.UTC()).
		Set("last_error = ?", lastErr).
		Where("id = ?", stagedID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("acidic/bun: mark staged attempt: %w", err)
	}
	if affected(res) == 0 {
		return acidic.ErrStagedNotFound
	}
	return nil
}

// CountStaged returns the number of staged jobs.
func (s *Store) CountStaged(ctx context.Context) (int64, error) {
	n, err := s.idb(ctx).NewSelect().TableExpr("acidic_staged_jobs").Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("acidic/bun: count staged jobs: %w", err)
	}
	return int64(n), nil
}
