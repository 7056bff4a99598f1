package staged

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/backoff"
)

// schedParser accepts standard 5-field cron and descriptors like "@every 30s".
var schedParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a sweep schedule expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	s, err := schedParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("acidic/staged: parse schedule %q: %w", expr, err)
	}
	return s, nil
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithBackoff sets the retry delay strategy for failed publishes.
func WithBackoff(s backoff.Strategy) SweeperOption {
	return func(sw *Sweeper) { sw.backoff = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SweeperOption {
	return func(sw *Sweeper) { sw.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SweeperOption {
	return func(sw *Sweeper) { sw.logger = l }
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Sweeper periodically republishes staged jobs whose publisher never ran.
type Sweeper struct {
	store       Store
	publisher   *Publisher
	schedule    cronlib.Schedule
	backoff     backoff.Strategy
	limiter     *rate.Limiter
	batchSize   int
	concurrency int
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper returns a Sweeper driven by cfg's sweep settings.
func NewSweeper(store Store, publisher *Publisher, cfg acidic.Config, opts ...SweeperOption) (*Sweeper, error) {
	sched, err := ParseSchedule(cfg.SweepSchedule)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.SweepRate > 0 {
		limit = rate.Limit(cfg.SweepRate)
	}
	burst := cfg.SweepConcurrency
	if burst < 1 {
		burst = 1
	}

	sw := &Sweeper{
		store:       store,
		publisher:   publisher,
		schedule:    sched,
		backoff:     backoff.DefaultStrategy(),
		limiter:     rate.NewLimiter(limit, burst),
		batchSize:   cfg.SweepBatchSize,
		concurrency: burst,
		maxAttempts: cfg.MaxStageAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(sw)
	}
	if sw.batchSize < 1 {
		sw.batchSize = 100
	}
	if sw.maxAttempts < 1 {
		sw.maxAttempts = 1
	}
	return sw, nil
}

// Start launches the sweep loop. It returns immediately.
func (sw *Sweeper) Start(_ context.Context) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return nil
	}
	sw.running = true
	sw.stopCh = make(chan struct{})

	sw.wg.Add(1)
	go sw.loop()

	sw.logger.Info("outbox sweeper started",
		slog.Int("batch_size", sw.batchSize),
		slog.Int("concurrency", sw.concurrency),
	)
	return nil
}

// Stop signals the loop to exit and waits for the in-flight sweep.
func (sw *Sweeper) Stop(_ context.Context) error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	close(sw.stopCh)
	sw.mu.Unlock()

	sw.wg.Wait()
	sw.logger.Info("outbox sweeper stopped")
	return nil
}

func (sw *Sweeper) loop() {
	defer sw.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sw.stopCh
		cancel()
	}()

	for {
		now := sw.now()
		timer := time.NewTimer(sw.schedule.Next(now).Sub(now))
		select {
		case <-sw.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		res, err := sw.SweepOnce(ctx)
		if err != nil {
			sw.logger.Error("outbox sweep failed", slog.String("error", err.Error()))
			continue
		}
		if res.Published > 0 || res.Failed > 0 {
			sw.logger.Info("outbox sweep",
				slog.Int("published", res.Published),
				slog.Int("failed", res.Failed),
			)
		}
	}
}

// SweepOnce publishes every due staged job once. Jobs of one batch are
// published together. Failures are recorded on the rows with a backoff
// delay; a row that has used up its attempts is no longer listed.
func (sw *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	now := sw.now().UTC()
	due, err := sw.store.ListDueStaged(ctx, now, sw.maxAttempts, sw.batchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("acidic/staged: list due: %w", err)
	}

	groups := group(due)

	var (
		mu  sync.Mutex
		res SweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sw.concurrency)
	for _, rows := range groups {
		g.Go(func() error {
			if err := sw.limiter.Wait(gctx); err != nil {
				return err
			}
			pubErr := sw.publisher.Publish(gctx, rows[0])

			mu.Lock()
			defer mu.Unlock()
			if pubErr == nil {
				res.Published += len(rows)
				return nil
			}
			res.Failed += len(rows)
			sw.fail(gctx, rows, now, pubErr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

func (sw *Sweeper) fail(ctx context.Context, rows []*Job, now time.Time, cause error) {
	for _, j := range rows {
		attempts := j.Attempts + 1
		next := now.Add(sw.backoff.Delay(attempts))
		if err := sw.store.MarkStagedAttempt(ctx, j.ID, attempts, next, cause.Error()); err != nil {
			sw.logger.Error("mark staged attempt failed",
				slog.String("staged_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if attempts >= sw.maxAttempts {
			sw.logger.Error("staged job gave up",
				slog.String("staged_id", j.ID.String()),
				slog.String("job_name", j.JobName),
				slog.Int("attempts", attempts),
				slog.String("error", cause.Error()),
			)
			continue
		}
		sw.logger.Warn("staged job publish failed",
			slog.String("staged_id", j.ID.String()),
			slog.Int("attempts", attempts),
			slog.Time("next_attempt_at", next),
			slog.String("error", cause.Error()),
		)
	}
}

// group splits due rows into publish units: one per unbatched row, one per
// batch.
func group(due []*Job) [][]*Job {
	var out [][]*Job
	batches := make(map[string]int)
	for _, j := range due {
		if j.BatchID == "" {
			out = append(out, []*Job{j})
			continue
		}
		if i, ok := batches[j.BatchID]; ok {
			out[i] = append(out[i], j)
			continue
		}
		batches[j.BatchID] = len(out)
		out = append(out, []*Job{j})
	}
	return out
}
