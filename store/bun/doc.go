// Package bunstore implements store.Store using the Bun ORM with PostgreSQL
// dialect. It shares the schema of the postgres package, so either backend
// can serve the same database.
//
// The caller owns the *bun.DB lifecycle; bunstore never closes it:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
//
// Step handlers reach the open transaction with [Tx] and write through it:
//
//	tx, _ := bunstore.Tx(ctx)
//	_, err := tx.NewUpdate().Model(ride).WherePK().Exec(ctx)
//
// Creates use ON CONFLICT DO NOTHING, so a duplicate key leaves the
// surrounding transaction usable.
package bunstore
