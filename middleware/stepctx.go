package middleware

import "context"

type stepKey struct{}

// Inject returns middleware that stores the StepInfo on the context, so
// code below the handler can derive downstream idempotency keys from it.
func Inject() Middleware {
	return func(ctx context.Context, s *StepInfo, next Handler) error {
		return next(context.WithValue(ctx, stepKey{}, *s))
	}
}

// StepFrom returns the StepInfo stored by Inject.
func StepFrom(ctx context.Context) (StepInfo, bool) {
	s, ok := ctx.Value(stepKey{}).(StepInfo)
	return s, ok
}

// DownstreamKey returns a key unique to the running step of the running
// record, for passing to external APIs that deduplicate requests.
func DownstreamKey(ctx context.Context) (string, bool) {
	s, ok := StepFrom(ctx)
	if !ok {
		return "", false
	}
	return s.RecordID.String() + ":" + s.Step, true
}
