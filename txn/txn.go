// Package txn carries an open storage transaction on a context.Context and
// collects callbacks that must run only after it commits.
//
// Store backends begin a transaction with [Begin], run the caller's function
// with the returned context, and call [Tx.Committed] or [Tx.RolledBack] once the backend transaction ends. Nested
// InTx calls see an active transaction via [From] and join it, so the
// outermost commit is the single durability boundary.
package txn

import (
	"context"
	"sync"
)

type ctxKey struct{}

// Tx is the per-transaction state shared by nested calls.
type Tx struct {
	// Handle is the backend transaction (pgx.Tx, *sql.Tx, ...).
	Handle any

	mu    sync.Mutex
	hooks []func(context.Context)
	done  bool
}

// Begin returns a context carrying a new Tx wrapping handle.
func Begin(ctx context.Context, handle any) (context.Context, *Tx) {
	tx := &Tx{Handle: handle}
	return context.WithValue(ctx, ctxKey{}, tx), tx
}

// From returns the transaction active on ctx.
func From(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Tx)
	if !ok || tx == nil || tx.finished() {
		return nil, false
	}
	return tx, true
}

// Active reports whether ctx carries an open transaction.
func Active(ctx context.Context) bool {
	_, ok := From(ctx)
	return ok
}

// AfterCommit registers fn to run once the transaction on ctx commits. It
// reports false, and does not run fn, when no transaction is active.
func AfterCommit(ctx context.Context, fn func(context.Context)) bool {
	tx, ok := From(ctx)
	if !ok {
		return false
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.hooks = append(tx.hooks, fn)
	return true
}

// Committed marks the transaction finished and runs the after-commit hooks
// in registration order. ctx should be the caller's context, not the one
// carrying the transaction.
func (tx *Tx) Committed(ctx context.Context) {
	tx.mu.Lock()
	hooks := tx.hooks
	tx.hooks = nil
	tx.done = true
	tx.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx)
	}
}

// RolledBack marks the transaction finished and discards its hooks.
func (tx *Tx) RolledBack() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.hooks = nil
	tx.done = true
}

func (tx *Tx) finished() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.done
}

// Detach returns a context that keeps ctx's values and deadline but carries
// no transaction. Use it for work that must not join the open transaction.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, (*Tx)(nil))
}
