// Package nats is a queue.Adapter that publishes jobs to NATS subjects.
//
// Each job is JSON-encoded and published to {prefix}.{job name} with a
// Nats-Msg-Id header equal to the job ID, so a JetStream stream bound to
// the subjects deduplicates re-publishes from the outbox sweeper. NATS has
// no batch primitive; this adapter does not implement queue.Batcher and
// awaiting steps need a batch-capable adapter.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/xraph/acidic/queue"
)

// Compile-time interface check.
var _ queue.Adapter = (*Adapter)(nil)

// DefaultName is the adapter name used when WithName is not given.
const DefaultName = "nats"

// DefaultSubjectPrefix is prepended to job names.
const DefaultSubjectPrefix = "acidic.jobs"

// Conn is the subset of *nats.Conn the adapter needs.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	QueueSubscribe(subject, group string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithName sets the adapter name.
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// WithSubjectPrefix sets the subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(a *Adapter) { a.prefix = prefix }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// Adapter publishes jobs over a NATS connection. The caller owns the
// connection lifecycle.
type Adapter struct {
	conn   Conn
	name   string
	prefix string
	logger *slog.Logger
}

// New returns an Adapter publishing on conn.
func New(conn Conn, opts ...Option) *Adapter {
	a := &Adapter{
		conn:   conn,
		name:   DefaultName,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements queue.Adapter.
func (a *Adapter) Name() string { return a.name }

// Subject returns the subject a job named jobName is published on.
func (a *Adapter) Subject(jobName string) string {
	return a.prefix + "." + jobName
}

// Enqueue implements queue.Adapter.
func (a *Adapter) Enqueue(_ context.Context, j queue.Job) error {
	if j.Name == "" {
		return errors.New("acidic/nats: job name is required")
	}
	if j.Attempt == 0 {
		j.Attempt = 1
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("acidic/nats: encode job: %w", err)
	}

	msg := nats.NewMsg(a.Subject(j.Name))
	msg.Data = data
	if j.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, j.ID)
	}
	if err := a.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("acidic/nats: publish %s: %w", j.ID, err)
	}
	return nil
}

// Subscribe consumes every job subject in a queue group and runs handler
// for each delivery. Handler errors are logged; core NATS does not
// redeliver, so handlers that need retries should be bound to a JetStream
// consumer instead.
func (a *Adapter) Subscribe(ctx context.Context, group string, handler queue.Handler) (*nats.Subscription, error) {
	if handler == nil {
		return nil, errors.New("acidic/nats: nil handler")
	}
	sub, err := a.conn.QueueSubscribe(a.prefix+".>", group, func(msg *nats.Msg) {
		var j queue.Job
		if err := json.Unmarshal(msg.Data, &j); err != nil {
			a.logger.Error("dropping undecodable job",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := handler(ctx, j); err != nil {
			a.logger.Warn("job handler failed",
				slog.String("job_id", j.ID),
				slog.String("job_name", j.Name),
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("acidic/nats: subscribe: %w", err)
	}
	return sub, nil
}
