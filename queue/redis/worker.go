package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/acidic/backoff"
	"github.com/xraph/acidic/queue"
)

// memberDoneScript decrements a batch's remaining count and, when it hits
// zero on a batch with no failed member, pushes the callback and deletes
// the batch. It returns 1 when the callback was pushed.
var memberDoneScript = goredis.NewScript(`
local remaining = redis.call('HINCRBY', KEYS[1], 'remaining', -1)
if remaining > 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'failed') == '1' then
	return 0
end
local cb = redis.call('HGET', KEYS[1], 'callback')
if not cb then
	return 0
end
redis.call('RPUSH', KEYS[2], cb)
redis.call('DEL', KEYS[1])
return 1
`)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of consumer goroutines.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

// WithMaxAttempts sets how many deliveries a job gets before it is moved
// to the dead list.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) { w.maxAttempts = n }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) WorkerOption {
	return func(w *Worker) { w.backoff = s }
}

// WithBlockTimeout sets how long one BLPOP waits for a job.
func WithBlockTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.blockTimeout = d }
}

// WithQueueOptions applies adapter options (name, prefix, logger) to the
// worker so both address the same keys.
func WithQueueOptions(opts ...Option) WorkerOption {
	return func(w *Worker) {
		o := options{name: w.keys.name, prefix: w.keys.prefix, logger: w.logger}
		for _, opt := range opts {
			opt(&o)
		}
		w.keys = keys{prefix: o.prefix, name: o.name}
		w.logger = o.logger
	}
}

// Worker consumes jobs from a Redis list and runs them through a handler.
type Worker struct {
	client       goredis.Cmdable
	handler      queue.Handler
	keys         keys
	concurrency  int
	maxAttempts  int
	backoff      backoff.Strategy
	blockTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker returns a stopped Worker.
func NewWorker(client goredis.Cmdable, handler queue.Handler, opts ...WorkerOption) *Worker {
	d := defaultOptions()
	w := &Worker{
		client:       client,
		handler:      handler,
		keys:         keys{prefix: d.prefix, name: d.name},
		concurrency:  4,
		maxAttempts:  5,
		backoff:      backoff.NewExponential(time.Second, time.Minute),
		blockTimeout: time.Second,
		logger:       d.logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	return w
}

// Start launches the consumer goroutines. It returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if w.handler == nil {
		return errors.New("acidic/redis: no handler set")
	}
	w.running = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	for range w.concurrency {
		w.wg.Add(1)
		go w.loop(runCtx)
	}
	w.logger.Info("redis worker started",
		slog.String("queue", w.keys.name),
		slog.Int("concurrency", w.concurrency),
	)
	return nil
}

// Stop cancels the consumers and waits for in-flight jobs.
func (w *Worker) Stop(_ context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("redis worker stopped", slog.String("queue", w.keys.name))
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for ctx.Err() == nil {
		if err := w.promote(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("promote delayed jobs failed", slog.String("error", err.Error()))
		}
		if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("redis worker error", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(w.blockTimeout):
			}
		}
	}
}

// ProcessOne waits up to the block timeout for one job and runs it. It
// reports whether a job was processed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	res, err := w.client.BLPop(ctx, w.blockTimeout, w.keys.queue()).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acidic/redis: pop: %w", err)
	}

	var j queue.Job
	if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
		w.logger.Error("dropping undecodable job", slog.String("error", err.Error()))
		return true, nil
	}

	if herr := w.invoke(ctx, j); herr != nil {
		return true, w.fail(ctx, j, herr)
	}
	if j.Batch != "" {
		if err := memberDoneScript.Run(ctx, w.client, []string{w.keys.batch(j.Batch), w.keys.queue()}).Err(); err != nil {
			return true, fmt.Errorf("acidic/redis: complete batch member %s: %w", j.ID, err)
		}
	}
	return true, nil
}

func (w *Worker) invoke(ctx context.Context, j queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("acidic/redis: job %s panicked: %v", j.ID, r)
		}
	}()
	return w.handler(ctx, j)
}

func (w *Worker) fail(ctx context.Context, j queue.Job, cause error) error {
	if j.Attempt < w.maxAttempts {
		delay := w.backoff.Delay(j.Attempt)
		j.Attempt++
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("acidic/redis: encode retry: %w", err)
		}
		due := time.Now().Add(delay).UnixMilli()
		if err := w.client.ZAdd(ctx, w.keys.delayed(), goredis.Z{Score: float64(due), Member: data}).Err(); err != nil {
			return fmt.Errorf("acidic/redis: schedule retry of %s: %w", j.ID, err)
		}
		w.logger.Debug("job failed, retrying",
			slog.String("job_id", j.ID),
			slog.Int("attempt", j.Attempt-1),
			slog.Duration("delay", delay),
			slog.String("error", cause.Error()),
		)
		return nil
	}

	w.logger.Error("job exhausted retries",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
		slog.String("error", cause.Error()),
	)
	data, _ := json.Marshal(j)
	_, err := w.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.RPush(ctx, w.keys.dead(), data)
		if j.Batch != "" {
			p.HSet(ctx, w.keys.batch(j.Batch), "failed", 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("acidic/redis: bury %s: %w", j.ID, err)
	}
	return nil
}

// promote moves due retries back onto the ready list. ZRem arbitrates
// between workers racing for the same entry.
func (w *Worker) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := w.client.ZRangeByScore(ctx, w.keys.delayed(), &goredis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		n, err := w.client.ZRem(ctx, w.keys.delayed(), member).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := w.client.RPush(ctx, w.keys.queue(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dead returns the jobs that exhausted their attempts.
func (w *Worker) Dead(ctx context.Context) ([]queue.Job, error) {
	raw, err := w.client.LRange(ctx, w.keys.dead(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("acidic/redis: list dead: %w", err)
	}
	out := make([]queue.Job, 0, len(raw))
	for _, r := range raw {
		var j queue.Job
		if err := json.Unmarshal([]byte(r), &j); err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
