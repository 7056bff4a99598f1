// Package postgres implements the store using pgx/v5 with raw SQL.
//
// Records and staged jobs live in acidic_records and acidic_staged_jobs,
// created by embedded SQL migrations tracked in acidic_migrations. InTx
// opens a pgx transaction and carries it on the context; step handlers
// reach it with [Tx] so their own writes commit atomically with the
// record's recovery point:
//
//	func charge(ctx context.Context, s *workflow.Scope) error {
//	    tx, _ := postgres.Tx(ctx)
//	    _, err := tx.Exec(ctx, `UPDATE rides SET charged = TRUE WHERE id = $1`, rideID)
//	    return err
//	}
//
// Serialization failures (40001) and deadlocks (40P01) are reported as
// acidic.ErrSerializationFailure.
package postgres
