package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Timeout returns middleware that gives each step a deadline. Handlers see
// a cancelled context once d elapses and should return its error, which
// rolls the step back. A non-positive d disables the deadline.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, s *StepInfo, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		logger.Debug("step timeout set",
			slog.String("record_id", s.RecordID.String()),
			slog.String("step", s.Step),
			slog.Duration("timeout", d),
		)
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
