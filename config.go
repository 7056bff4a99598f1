package acidic

import "time"

// Granularity selects how idempotency keys are derived when an invocation
// carries no explicit identifier.
type Granularity string

const (
	// GranularityJobID keys on the invocation's job id, falling back to a
	// digest of the job name.
	GranularityJobID Granularity = "job_id"

	// GranularityJobArgs keys on a digest of the job name plus its arguments.
	GranularityJobArgs Granularity = "job_args"
)

// Config holds configuration for the engine and its outbox sweeper.
type Config struct {
	// StaleLockThreshold is how old locked_at must be before another worker
	// may steal the lock.
	StaleLockThreshold time.Duration `yaml:"stale_lock_threshold"`

	// Granularity is the default idempotency key strategy.
	Granularity Granularity `yaml:"granularity"`

	// SweepSchedule is the cron expression driving the outbox sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`

	// SweepBatchSize caps how many staged jobs one sweep loads.
	SweepBatchSize int `yaml:"sweep_batch_size"`

	// SweepConcurrency caps parallel enqueue calls during a sweep.
	SweepConcurrency int `yaml:"sweep_concurrency"`

	// SweepRate is the sustained enqueue rate per second. Zero disables
	// throttling.
	SweepRate float64 `yaml:"sweep_rate"`

	// SweepGrace is how long a freshly staged job waits before the sweeper
	// considers it orphaned. The committing process normally publishes it
	// well within this window.
	SweepGrace time.Duration `yaml:"sweep_grace"`

	// MaxStageAttempts is how many enqueue attempts a staged job gets before
	// the sweeper stops retrying it.
	MaxStageAttempts int `yaml:"max_stage_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StaleLockThreshold: time.Hour,
		Granularity:        GranularityJobID,
		SweepSchedule:      "@every 30s",
		SweepBatchSize:     100,
		SweepConcurrency:   4,
		SweepRate:          50,
		SweepGrace:         time.Minute,
		MaxStageAttempts:   25,
	}
}
