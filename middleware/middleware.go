// Package middleware provides composable middleware for step execution.
// Middleware wraps step handler calls synchronously inside the step's
// transaction and can observe or modify execution (recover from panics,
// log, add tracing, etc.).
package middleware

import (
	"context"

	"github.com/xraph/acidic/id"
)

// StepInfo describes the step being executed.
type StepInfo struct {
	RecordID       id.ID
	IdempotencyKey string
	JobName        string
	Step           string
}

// Handler is the terminal function that runs the step.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the step being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, s *StepInfo, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// The first middleware in the list is the outermost wrapper.
//
// Example: Chain(logging, recover, tracing) executes as:
//
//	logging → recover → tracing → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, s *StepInfo, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, s, prev)
			}
		}
		return h(ctx)
	}
}
