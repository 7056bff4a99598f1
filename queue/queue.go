package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/acidic"
)

// Job is one unit of work handed to a queue.
type Job struct {
	// ID is the delivery identity; the engine uses it as the downstream
	// idempotency key.
	ID string `json:"id"`

	// Name is the registered job name.
	Name string `json:"name"`

	// Args is the JSON argument document.
	Args json.RawMessage `json:"args,omitempty"`

	// Batch is set on jobs enqueued as part of a Batch.
	Batch string `json:"batch,omitempty"`

	// Attempt counts deliveries, starting at 1.
	Attempt int `json:"attempt,omitempty"`
}

// Batch is a group of jobs whose joint success triggers Callback.
type Batch struct {
	ID       string `json:"id"`
	Jobs     []Job  `json:"jobs"`
	Callback Job    `json:"callback"`
}

// Handler processes one delivered job. A non-nil error asks the adapter to
// retry according to its policy.
type Handler func(ctx context.Context, j Job) error

// Adapter enqueues jobs on a host queue.
type Adapter interface {
	// Name identifies the adapter in staged jobs and registries.
	Name() string

	// Enqueue hands j to the queue.
	Enqueue(ctx context.Context, j Job) error
}

// Batcher is implemented by adapters that support await batches.
type Batcher interface {
	// EnqueueBatch enqueues every job in b and arranges for b.Callback to
	// be enqueued once all of them succeed.
	EnqueueBatch(ctx context.Context, b Batch) error
}

// Registry maps adapter names to adapters. The first registered adapter is
// the default. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	def      string
}

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a, replacing any adapter with the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.def == "" {
		r.def = a.Name()
	}
	r.adapters[a.Name()] = a
}

// Default returns the default adapter's name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Lookup returns the adapter registered under name. An empty name selects
// the default adapter.
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", acidic.ErrUnknownAdapter, name)
	}
	return a, nil
}

// Batcher returns the named adapter as a Batcher.
func (r *Registry) Batcher(name string) (Batcher, error) {
	a, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	b, ok := a.(Batcher)
	if !ok {
		return nil, fmt.Errorf("%w: %q", acidic.ErrBatchUnsupported, a.Name())
	}
	return b, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
