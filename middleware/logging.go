package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs step start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, s *StepInfo, next Handler) error {
		logger.Debug("step started",
			slog.String("job_name", s.JobName),
			slog.String("record_id", s.RecordID.String()),
			slog.String("step", s.Step),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("job_name", s.JobName),
				slog.String("record_id", s.RecordID.String()),
				slog.String("step", s.Step),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("job_name", s.JobName),
				slog.String("record_id", s.RecordID.String()),
				slog.String("step", s.Step),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
