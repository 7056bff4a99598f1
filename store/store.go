package store

import (
	"context"

	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
)

// Store is the aggregate persistence interface. A single backend implements
// every subsystem store plus transactions.
type Store interface {
	record.Store
	staged.Store

	// InTx runs fn inside a transaction carried on the context passed to
	// fn. A call made while a transaction is already active on ctx joins
	// it; only the outermost call commits. Hooks registered with
	// txn.AfterCommit run after that commit, never after a rollback.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
