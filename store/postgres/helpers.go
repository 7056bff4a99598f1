package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/acidic"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// pgCode returns the SQLSTATE of a PostgreSQL error, or "".
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	return pgCode(err) == "23505"
}

// isSerializationFailure matches serialization_failure (40001) and
// deadlock_detected (40P01).
func isSerializationFailure(err error) bool {
	switch pgCode(err) {
	case "40001", "40P01":
		return true
	}
	return false
}

// mapTxErr tags serialization conflicts with the engine sentinel.
func mapTxErr(err error) error {
	if err == nil || errors.Is(err, acidic.ErrSerializationFailure) {
		return err
	}
	if isSerializationFailure(err) {
		return fmt.Errorf("%w: %w", acidic.ErrSerializationFailure, err)
	}
	return err
}

// execSavepoint runs an insert that may hit a unique violation. Inside a
// transaction it runs under a savepoint, since a failed statement aborts
// the whole Postgres transaction and the caller may carry on after a
// duplicate.
func (s *Store) execSavepoint(ctx context.Context, sql string, args ...any) error {
	tx, ok := Tx(ctx)
	if !ok {
		_, err := s.pool.Exec(ctx, sql, args...)
		return err
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("acidic/postgres: savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, sql, args...); err != nil {
		if rbErr := sp.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			s.logger.Warn("savepoint rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}
	return sp.Commit(ctx)
}
