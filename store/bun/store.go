package bunstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/uptrace/bun"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
	"github.com/xraph/acidic/txn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ record.Store = (*Store)(nil)
	_ staged.Store = (*Store)(nil)
)

// Store is a Bun ORM implementation of store.Store using PostgreSQL dialect.
// The caller owns the *bun.DB lifecycle; Store never closes it.
type Store struct {
	db        *bun.DB
	logger    *slog.Logger
	isolation sql.IsolationLevel
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithIsolation sets the isolation level of transactions opened by InTx.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(s *Store) {
		s.isolation = level
	}
}

// New creates a new Bun store.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// Tx returns the bun transaction opened by InTx on ctx.
func Tx(ctx context.Context) (bun.Tx, bool) {
	t, ok := txn.From(ctx)
	if !ok {
		return bun.Tx{}, false
	}
	tx, ok := t.Handle.(bun.Tx)
	return tx, ok
}

// idb returns the active transaction on ctx or the database.
func (s *Store) idb(ctx context.Context) bun.IDB {
	if tx, ok := Tx(ctx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn inside a transaction, joining one already active on ctx.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txn.Active(ctx) {
		return fn(ctx)
	}

	btx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return mapTxErr(fmt.Errorf("acidic/bun: begin: %w", err))
	}
	txCtx, t := txn.Begin(ctx, btx)

	if err := fn(txCtx); err != nil {
		t.RolledBack()
		if rbErr := btx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", slog.String("error", rbErr.Error()))
		}
		return mapTxErr(err)
	}

	if err := btx.Commit(); err != nil {
		t.RolledBack()
		return mapTxErr(fmt.Errorf("acidic/bun: commit: %w", err))
	}
	t.Committed(ctx)
	return nil
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate, Ping, Close
// ──────────────────────────────────────────────────

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS acidic_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("acidic/bun: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("acidic/bun: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		applied, err := s.db.NewSelect().
			TableExpr("acidic_migrations").
			Where("filename = ?", name).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("acidic/bun: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("acidic/bun: read migration %s: %w", name, err)
		}

		err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO acidic_migrations (filename) VALUES (?)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("acidic/bun: %w: %s: %w", acidic.ErrMigrationFailed, name, err)
		}

		s.logger.Info("applied migration", slog.String("file", name))
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error {
	return nil
}
