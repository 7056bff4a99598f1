package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/ext"
	"github.com/xraph/acidic/idempotency"
	mw "github.com/xraph/acidic/middleware"
	"github.com/xraph/acidic/observability"
	"github.com/xraph/acidic/queue"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/serializer"
	"github.com/xraph/acidic/staged"
	"github.com/xraph/acidic/store"
	"github.com/xraph/acidic/workflow"
)

// StepDoneJob is the name of the callback job enqueued when every job
// awaited by a step has succeeded. Handle routes it to StepDone.
const StepDoneJob = "acidic.step_done"

// Result describes how an invocation ended without error.
type Result struct {
	// Record is the execution record as last written.
	Record *record.Record

	// Replayed is set when the record had already finished and no step ran.
	Replayed bool

	// Awaiting is set when the record is parked on an awaited batch. The
	// run continues when the batch callback reaches StepDone.
	Awaiting bool
}

// Engine runs registered jobs as resumable, idempotent workflows.
type Engine struct {
	store      store.Store
	cfg        acidic.Config
	jobs       *workflow.Registry
	adapters   *queue.Registry
	deriver    *idempotency.Deriver
	keyFunc    idempotency.KeyFunc
	serializer *serializer.Serializer
	extensions *ext.Registry
	publisher  *staged.Publisher
	exts       []ext.Extension
	mws        []mw.Middleware
	chain      mw.Middleware
	now        func() time.Time
	logger     *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Zero fields take their
// defaults.
func WithConfig(cfg acidic.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAdapter registers a queue adapter. The first adapter registered is
// the default for Stage and awaited jobs.
func WithAdapter(a queue.Adapter) Option {
	return func(e *Engine) { e.adapters.Register(a) }
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.exts = append(e.exts, x) }
}

// WithMiddleware adds middleware to the step chain, inside the defaults.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithSerializer sets the serializer used for stored errors.
func WithSerializer(s *serializer.Serializer) Option {
	return func(e *Engine) { e.serializer = s }
}

// WithKeyFunc replaces the configured granularity with a custom key
// derivation.
func WithKeyFunc(fn idempotency.KeyFunc) Option {
	return func(e *Engine) { e.keyFunc = fn }
}

// WithClock overrides time.Now for lock tokens and staging times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracerProvider sets a custom OTel TracerProvider for step spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for step metrics and
// the lifecycle metrics extension.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine over st.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, acidic.ErrNoStore
	}

	e := &Engine{
		store:    st,
		cfg:      acidic.DefaultConfig(),
		jobs:     workflow.NewRegistry(),
		adapters: queue.NewRegistry(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cfg = withDefaults(e.cfg)
	if e.serializer == nil {
		e.serializer = serializer.New()
	}

	derivOpts := []idempotency.Option{idempotency.WithGranularity(e.cfg.Granularity)}
	if e.keyFunc != nil {
		derivOpts = append(derivOpts, idempotency.WithKeyFunc(e.keyFunc))
	}
	e.deriver = idempotency.NewDeriver(derivOpts...)

	// Lifecycle metrics first, then user extensions in option order.
	e.extensions = ext.NewRegistry(e.logger)
	if e.meterProvider != nil {
		e.extensions.Register(observability.NewMetricsExtensionWithMeter(
			e.meterProvider.Meter("github.com/xraph/acidic/observability")))
	} else {
		e.extensions.Register(observability.NewMetricsExtension())
	}
	for _, x := range e.exts {
		e.extensions.Register(x)
	}

	var tracingMw, metricsMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/xraph/acidic"))
	} else {
		tracingMw = mw.Tracing()
	}
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/xraph/acidic"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → inject.
	chain := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Inject(),
	}
	e.chain = mw.Chain(append(chain, e.mws...)...)

	e.publisher = staged.NewPublisher(st, e.adapters, e.extensions, e.logger)
	return e, nil
}

func withDefaults(cfg acidic.Config) acidic.Config {
	def := acidic.DefaultConfig()
	if cfg.StaleLockThreshold <= 0 {
		cfg.StaleLockThreshold = def.StaleLockThreshold
	}
	if cfg.Granularity == "" {
		cfg.Granularity = def.Granularity
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = def.SweepBatchSize
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = def.SweepConcurrency
	}
	if cfg.SweepGrace < 0 {
		cfg.SweepGrace = 0
	}
	if cfg.MaxStageAttempts <= 0 {
		cfg.MaxStageAttempts = def.MaxStageAttempts
	}
	return cfg
}

// Register registers a typed job definition with the engine.
func Register[T any](e *Engine, def workflow.Definition[T]) {
	workflow.Register(e.jobs, def)
}

// RegisterFunc registers an untyped job declaration.
func (e *Engine) RegisterFunc(name string, decl workflow.DeclareFunc) {
	e.jobs.RegisterFunc(name, decl)
}

// Stop notifies extensions of shutdown. The engine owns no goroutines;
// sweepers and queue workers are stopped by their owners.
func (e *Engine) Stop(ctx context.Context) error {
	e.extensions.EmitShutdown(ctx)
	return nil
}

// Purge deletes finished, error-free records matching opts.
func (e *Engine) Purge(ctx context.Context, opts record.PurgeOpts) (int64, error) {
	n, err := e.store.PurgeRecords(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("acidic/engine: purge: %w", err)
	}
	e.logger.Info("purged finished records",
		slog.String("job_name", opts.JobName),
		slog.Int64("count", n),
	)
	return n, nil
}

// Stats summarizes stored records and pending staged jobs.
type Stats struct {
	Records record.Stats `json:"records"`
	Staged  int64        `json:"staged_jobs"`
}

// Stats counts records by state and pending outbox rows.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	rs, err := e.store.RecordStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("acidic/engine: record stats: %w", err)
	}
	n, err := e.store.CountStaged(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("acidic/engine: count staged: %w", err)
	}
	return Stats{Records: rs, Staged: n}, nil
}

// Sweeper returns an outbox sweeper sharing the engine's store, adapters
// and configuration.
func (e *Engine) Sweeper(opts ...staged.SweeperOption) (*staged.Sweeper, error) {
	base := []staged.SweeperOption{
		staged.WithLogger(e.logger),
		staged.WithClock(e.now),
	}
	return staged.NewSweeper(e.store, e.publisher, e.cfg, append(base, opts...)...)
}

// RecordError decodes the error stored on r. It returns nil when r carries
// none.
func (e *Engine) RecordError(r *record.Record) error {
	if len(r.Error) == 0 {
		return nil
	}
	decoded, err := e.serializer.DecodeError(r.Error)
	if err != nil {
		return errors.Join(errors.New("acidic/engine: undecodable stored error"), err)
	}
	return decoded
}

// Store returns the engine's store.
func (e *Engine) Store() store.Store { return e.store }

// Config returns the effective configuration.
func (e *Engine) Config() acidic.Config { return e.cfg }

// Jobs returns the job registry.
func (e *Engine) Jobs() *workflow.Registry { return e.jobs }

// Adapters returns the queue adapter registry.
func (e *Engine) Adapters() *queue.Registry { return e.adapters }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Publisher returns the outbox publisher.
func (e *Engine) Publisher() *staged.Publisher { return e.publisher }

func (e *Engine) clock() time.Time { return e.now().UTC() }
