package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors, which roll back the step like any other
// failure.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, s *StepInfo, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("step handler panicked",
					slog.String("job_name", s.JobName),
					slog.String("record_id", s.RecordID.String()),
					slog.String("step", s.Step),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in step %s.%s: %v", s.JobName, s.Step, r)
			}
		}()
		return next(ctx)
	}
}
