package bunstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xraph/acidic"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isSerializationFailure matches serialization_failure (40001) and
// deadlock_detected (40P01).
func isSerializationFailure(err error) bool {
	var pgErr pgdriver.Error
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Field('C') {
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

// affected reads RowsAffected; pgdriver always reports it.
func affected(res sql.Result) int64 {
	n, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return n
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
