// Package store defines the aggregate persistence interface.
//
// Execution records ([record.Store]) and outbox rows ([staged.Store]) must
// live in the same database, because a step's state change and the jobs it
// stages commit in one transaction. The composite [Store] adds that
// transaction boundary:
//
//	type Store interface {
//	    record.Store
//	    staged.Store
//
//	    InTx(ctx context.Context, fn func(ctx context.Context) error) error
//	    Migrate(ctx context.Context) error
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/memory: in-memory store for development and testing
//   - store/postgres: PostgreSQL backend using pgx/v5
//   - store/sqlite: SQLite backend using mattn/go-sqlite3
//
// # Transactions
//
// InTx carries the open transaction on the context (see package txn). Step
// handlers that write application data reach it through the backend's
// accessor, for example postgres.Tx(ctx), so their writes commit or roll
// back together with the record's recovery point.
//
// # Migrations
//
// Call Migrate once at startup to create or update the schema:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store
