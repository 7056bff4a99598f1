// Package memory is an in-process queue.Adapter backed by a worker pool.
// It supports batches and is the adapter used in tests and single-binary
// deployments. Jobs are lost when the process exits; the outbox sweeper
// only covers the window before a job reaches the queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/acidic/backoff"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/queue"
)

// Ensure Queue implements queue.Adapter and queue.Batcher at compile time.
var (
	_ queue.Adapter = (*Queue)(nil)
	_ queue.Batcher = (*Queue)(nil)
)

// DefaultName is the adapter name used when WithName is not given.
const DefaultName = "memory"

type delivery struct {
	job   queue.Job
	runAt time.Time
}

type batchState struct {
	remaining int
	callback  queue.Job
	failed    bool
}

// Queue is an in-memory job queue with its own worker pool.
type Queue struct {
	name         string
	handler      queue.Handler
	limiter      *queue.Limiter
	backoff      backoff.Strategy
	concurrency  int
	maxAttempts  int
	pollInterval time.Duration
	workerID     id.ID
	logger       *slog.Logger

	mu       sync.Mutex
	pending  []delivery
	inflight int
	batches  map[string]*batchState
	// callbacks maps a queued callback job ID to its batch.
	callbacks map[string]string
	dead      []queue.Job
	notify    chan struct{}

	stopCh     chan struct{}
	wg         sync.WaitGroup
	runMu      sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithName sets the adapter name.
func WithName(name string) Option {
	return func(q *Queue) { q.name = name }
}

// WithHandler sets the function that processes delivered jobs.
func WithHandler(h queue.Handler) Option {
	return func(q *Queue) { q.handler = h }
}

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(q *Queue) { q.concurrency = n }
}

// WithMaxAttempts sets how many deliveries a job gets before it is moved
// to the dead list.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = s }
}

// WithLimiter gates job starts by name.
func WithLimiter(l *queue.Limiter) Option {
	return func(q *Queue) { q.limiter = l }
}

// WithPollInterval sets how long idle workers sleep before rechecking
// delayed jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New returns a stopped Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		name:         DefaultName,
		backoff:      backoff.NewExponential(100*time.Millisecond, 10*time.Second),
		concurrency:  4,
		maxAttempts:  5,
		pollInterval: 50 * time.Millisecond,
		workerID:     id.NewWorkerID(),
		logger:       slog.Default(),
		batches:      make(map[string]*batchState),
		callbacks:    make(map[string]string),
		notify:       make(chan struct{}, 1),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.concurrency < 1 {
		q.concurrency = 1
	}
	return q
}

// SetHandler sets the handler. Call it before Start.
func (q *Queue) SetHandler(h queue.Handler) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	q.handler = h
}

// Name implements queue.Adapter.
func (q *Queue) Name() string { return q.name }

// Enqueue implements queue.Adapter.
func (q *Queue) Enqueue(_ context.Context, j queue.Job) error {
	if j.Name == "" {
		return errors.New("acidic/memory: job name is required")
	}
	if j.Attempt == 0 {
		j.Attempt = 1
	}
	q.push(delivery{job: j, runAt: time.Now()})
	return nil
}

// EnqueueBatch implements queue.Batcher. Re-enqueueing a known batch is a
// no-op, so a sweeper retry after a partial publish cannot double-count.
func (q *Queue) EnqueueBatch(_ context.Context, b queue.Batch) error {
	if b.ID == "" || b.Callback.Name == "" {
		return errors.New("acidic/memory: batch needs an id and a callback")
	}

	q.mu.Lock()
	if _, exists := q.batches[b.ID]; exists {
		q.mu.Unlock()
		return nil
	}
	q.batches[b.ID] = &batchState{remaining: len(b.Jobs), callback: b.Callback}
	q.mu.Unlock()

	if len(b.Jobs) == 0 {
		q.finishBatch(b.ID)
		return nil
	}
	now := time.Now()
	for _, j := range b.Jobs {
		j.Batch = b.ID
		if j.Attempt == 0 {
			j.Attempt = 1
		}
		q.push(delivery{job: j, runAt: now})
	}
	return nil
}

func (q *Queue) push(d delivery) {
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued, not yet started jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dead returns jobs that exhausted their attempts.
func (q *Queue) Dead() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.dead...)
}

// ──────────────────────────────────────────────────
// Worker pool
// ──────────────────────────────────────────────────

// Start launches the worker goroutines. It returns immediately.
func (q *Queue) Start(_ context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.running {
		return nil
	}
	if q.handler == nil {
		return errors.New("acidic/memory: no handler set")
	}
	q.running = true
	q.stopCh = make(chan struct{})

	q.logger.Info("memory queue starting",
		slog.String("queue", q.name),
		slog.String("worker_id", q.workerID.String()),
		slog.Int("concurrency", q.concurrency),
	)

	for range q.concurrency {
		q.wg.Add(1)
		go q.workLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out.
func (q *Queue) Stop(ctx context.Context) error {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return nil
	}
	q.running = false
	close(q.stopCh)
	q.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("memory queue stopped", slog.String("queue", q.name))
	case <-ctx.Done():
		q.logger.Warn("memory queue shutdown timed out, cancelling active jobs")
		q.cancelActiveJobs()
		q.wg.Wait()
	}
	return nil
}

// Drain blocks until no jobs are queued or running, or ctx ends. Delayed
// retries count as queued.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		idle := len(q.pending) == 0 && q.inflight == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acidic/memory: drain: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (q *Queue) workLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		d, ok := q.next()
		if !ok {
			q.sleep()
			continue
		}

		if q.limiter != nil && !q.limiter.Acquire(d.job.Name) {
			q.requeue(d.job, time.Now().Add(q.pollInterval))
			q.sleep()
			continue
		}

		q.run(d.job)

		if q.limiter != nil {
			q.limiter.Release(d.job.Name)
		}
	}
}

// next pops the earliest due delivery and marks it in flight.
func (q *Queue) next() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return delivery{}, false
	}
	sort.SliceStable(q.pending, func(i, k int) bool {
		return q.pending[i].runAt.Before(q.pending[k].runAt)
	})
	if q.pending[0].runAt.After(time.Now()) {
		return delivery{}, false
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight++
	return d, true
}

func (q *Queue) requeue(j queue.Job, at time.Time) {
	q.mu.Lock()
	q.pending = append(q.pending, delivery{job: j, runAt: at})
	q.inflight--
	q.mu.Unlock()
}

func (q *Queue) run(j queue.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	key := fmt.Sprintf("%s#%d", j.ID, j.Attempt)
	q.trackJob(key, cancel)

	err := q.invoke(ctx, j)

	q.untrackJob(key)
	cancel()

	if err == nil {
		// The batch callback is queued before the member leaves flight so
		// Drain never observes an idle queue in between.
		if j.Batch != "" {
			q.memberDone(j.Batch)
		}
		q.mu.Lock()
		q.inflight--
		q.forgetCallback(j.ID)
		q.mu.Unlock()
		return
	}

	if j.Attempt < q.maxAttempts {
		delay := q.backoff.Delay(j.Attempt)
		q.logger.Debug("job failed, retrying",
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
			slog.Int("attempt", j.Attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		j.Attempt++
		q.requeue(j, time.Now().Add(delay))
		return
	}

	q.logger.Error("job exhausted retries",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
		slog.Int("attempts", j.Attempt),
		slog.String("error", err.Error()),
	)
	q.mu.Lock()
	q.inflight--
	q.dead = append(q.dead, j)
	if b := q.batches[j.Batch]; b != nil {
		b.failed = true
		b.remaining--
		if b.remaining <= 0 {
			delete(q.batches, j.Batch)
		}
	}
	q.forgetCallback(j.ID)
	q.mu.Unlock()
}

// forgetCallback drops the batch whose callback jobID was. Callers hold
// q.mu.
func (q *Queue) forgetCallback(jobID string) {
	if batchID, ok := q.callbacks[jobID]; ok {
		delete(q.callbacks, jobID)
		delete(q.batches, batchID)
	}
}

// Batches returns the number of batches still tracked.
func (q *Queue) Batches() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// invoke calls the handler, converting a panic into an error.
func (q *Queue) invoke(ctx context.Context, j queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("acidic/memory: job %s panicked: %v", j.ID, r)
		}
	}()
	return q.handler(ctx, j)
}

func (q *Queue) memberDone(batchID string) {
	q.mu.Lock()
	b := q.batches[batchID]
	if b == nil {
		q.mu.Unlock()
		return
	}
	b.remaining--
	done := b.remaining <= 0 && !b.failed
	if b.remaining <= 0 && b.failed {
		delete(q.batches, batchID)
	}
	q.mu.Unlock()

	if done {
		q.finishBatch(batchID)
	}
}

// finishBatch enqueues the callback of a completed batch. The batch is
// forgotten once the callback has run.
func (q *Queue) finishBatch(batchID string) {
	q.mu.Lock()
	b := q.batches[batchID]
	if b == nil {
		q.mu.Unlock()
		return
	}
	cb := b.callback
	if cb.ID == "" {
		cb.ID = batchID + ":callback"
	}
	q.callbacks[cb.ID] = batchID
	q.mu.Unlock()

	cb.Attempt = 1
	q.push(delivery{job: cb, runAt: time.Now()})
}

func (q *Queue) sleep() {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-q.notify:
	case <-q.stopCh:
	}
}

func (q *Queue) trackJob(key string, cancel context.CancelFunc) {
	q.mu.Lock()
	q.activeJobs[key] = cancel
	q.mu.Unlock()
}

func (q *Queue) untrackJob(key string) {
	q.mu.Lock()
	delete(q.activeJobs, key)
	q.mu.Unlock()
}

func (q *Queue) cancelActiveJobs() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, cancel := range q.activeJobs {
		q.logger.Warn("cancelling active job", slog.String("job", key))
		cancel()
	}
}
