package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver

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

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens dsn with the sqlite3 driver. In-memory databases are limited
// to one connection so every query sees the same database.
func New(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("acidic/sqlite: open: %w", err)
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	s := NewFromDB(db, opts...)
	s.owned = true
	return s, nil
}

// NewFromDB wraps an existing handle. The caller owns db; Close does not
// close it.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// Tx returns the *sql.Tx opened by InTx on ctx.
func Tx(ctx context.Context) (*sql.Tx, bool) {
	t, ok := txn.From(ctx)
	if !ok {
		return nil, false
	}
	tx, ok := t.Handle.(*sql.Tx)
	return tx, ok
}

func (s *Store) conn(ctx context.Context) querier {
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

	stx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapTxErr(fmt.Errorf("acidic/sqlite: begin: %w", err))
	}
	txCtx, t := txn.Begin(ctx, stx)

	if err := fn(txCtx); err != nil {
		t.RolledBack()
		if rbErr := stx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", slog.String("error", rbErr.Error()))
		}
		return mapTxErr(err)
	}

	if err := stx.Commit(); err != nil {
		t.RolledBack()
		return mapTxErr(fmt.Errorf("acidic/sqlite: commit: %w", err))
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
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("acidic/sqlite: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("acidic/sqlite: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied int
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM acidic_migrations WHERE filename = ?`, name,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("acidic/sqlite: check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("acidic/sqlite: read migration %s: %w", name, err)
		}

		err = s.InTx(ctx, func(ctx context.Context) error {
			if _, err := s.conn(ctx).ExecContext(ctx, string(data)); err != nil {
				return err
			}
			_, err := s.conn(ctx).ExecContext(ctx,
				`INSERT INTO acidic_migrations (filename, applied_at) VALUES (?, ?)`,
				name, fmtTime(time.Now()),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("acidic/sqlite: %w: %s: %w", acidic.ErrMigrationFailed, name, err)
		}

		s.logger.Info("applied migration", slog.String("file", name))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
