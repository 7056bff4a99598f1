// Package middleware provides composable middleware for step execution.
//
// A [Middleware] wraps a step handler. The engine composes its chain with
// [Chain] and runs it inside the step's transaction, so an error returned
// anywhere in the chain rolls the step back.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs step name, duration and outcome
//   - [Recover]: converts panics to errors
//   - [Timeout]: gives each step a deadline
//   - [Tracing]: wraps each step in an OpenTelemetry span
//   - [Metrics]: records per-step duration and outcome counters
//   - [Inject]: exposes [StepInfo] to code below the handler
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
