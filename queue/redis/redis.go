// Package redis is a queue.Adapter backed by Redis lists.
//
// Jobs are JSON-encoded queue.Job values pushed onto acidic:queue:{name}.
// A [Worker] pops them with BLPOP, retries failures through a delayed
// Sorted Set, and moves exhausted jobs to acidic:dead:{name}. Batches keep
// a remaining counter in a Hash; the member that brings it to zero pushes
// the callback.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	adapter := redis.New(client)
//	worker := redis.NewWorker(client, eng.Handle)
//	_ = worker.Start(ctx)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/acidic/queue"
)

// Compile-time interface checks.
var (
	_ queue.Adapter = (*Adapter)(nil)
	_ queue.Batcher = (*Adapter)(nil)
)

// DefaultName is the adapter and queue name used when WithName is not
// given.
const DefaultName = "redis"

// enqueueBatchScript registers a batch and pushes its members atomically.
// It returns 0 without side effects when the batch is already known.
var enqueueBatchScript = goredis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'callback', ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'remaining', ARGV[2], 'failed', 0)
for i = 3, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
if tonumber(ARGV[2]) == 0 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// Option configures an Adapter or Worker.
type Option func(*options)

type options struct {
	name   string
	prefix string
	logger *slog.Logger
}

func defaultOptions() options {
	return options{name: DefaultName, prefix: "acidic:", logger: slog.Default()}
}

// WithName sets the adapter name, which is also the queue name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Adapter enqueues jobs onto a Redis list. The caller owns the client
// lifecycle.
type Adapter struct {
	client goredis.Cmdable
	keys   keys
	logger *slog.Logger
}

// New returns an Adapter using client.
func New(client goredis.Cmdable, opts ...Option) *Adapter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Adapter{
		client: client,
		keys:   keys{prefix: o.prefix, name: o.name},
		logger: o.logger,
	}
}

// Name implements queue.Adapter.
func (a *Adapter) Name() string { return a.keys.name }

// Enqueue implements queue.Adapter.
func (a *Adapter) Enqueue(ctx context.Context, j queue.Job) error {
	if j.Name == "" {
		return errors.New("acidic/redis: job name is required")
	}
	if j.Attempt == 0 {
		j.Attempt = 1
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("acidic/redis: encode job: %w", err)
	}
	if err := a.client.RPush(ctx, a.keys.queue(), data).Err(); err != nil {
		return fmt.Errorf("acidic/redis: enqueue %s: %w", j.ID, err)
	}
	return nil
}

// EnqueueBatch implements queue.Batcher. Re-enqueueing a known batch is a
// no-op.
func (a *Adapter) EnqueueBatch(ctx context.Context, b queue.Batch) error {
	if b.ID == "" || b.Callback.Name == "" {
		return errors.New("acidic/redis: batch needs an id and a callback")
	}
	cb := b.Callback
	if cb.ID == "" {
		cb.ID = b.ID + ":callback"
	}
	cb.Attempt = 1
	cbData, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("acidic/redis: encode callback: %w", err)
	}

	args := make([]any, 0, len(b.Jobs)+2)
	args = append(args, cbData, len(b.Jobs))
	for _, j := range b.Jobs {
		j.Batch = b.ID
		if j.Attempt == 0 {
			j.Attempt = 1
		}
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("acidic/redis: encode job: %w", err)
		}
		args = append(args, data)
	}

	created, err := enqueueBatchScript.Run(ctx, a.client, []string{a.keys.batch(b.ID), a.keys.queue()}, args...).Int()
	if err != nil {
		return fmt.Errorf("acidic/redis: enqueue batch %s: %w", b.ID, err)
	}
	if created == 0 {
		a.logger.Debug("batch already enqueued", slog.String("batch_id", b.ID))
	}
	return nil
}

// Len returns the number of ready jobs.
func (a *Adapter) Len(ctx context.Context) (int64, error) {
	return a.client.LLen(ctx, a.keys.queue()).Result()
}
