package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/acidic"
)

// DeclareFunc is a type-erased declaration that accepts raw JSON args.
// The typed Definition[T] is converted to a DeclareFunc at registration
// time by closing over JSON unmarshal + the typed declaration.
type DeclareFunc func(b *Builder, args json.RawMessage) error

// Definition is a typed job definition. Declare runs on every invocation
// with the decoded arguments, so step lists may depend on them.
type Definition[T any] struct {
	// Name is the unique identifier for this job type.
	Name string

	// Declare adds the job's steps to b.
	Declare func(b *Builder, args T)
}

// Registry maps job names to declarations. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	decls map[string]DeclareFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decls: make(map[string]DeclareFunc)}
}

// Register adds a typed definition to r.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T any](r *Registry, def Definition[T]) {
	decl := func(b *Builder, raw json.RawMessage) error {
		var args T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return fmt.Errorf("acidic/workflow: unmarshal args for job %q: %w", def.Name, err)
			}
		}
		def.Declare(b, args)
		return nil
	}
	r.RegisterFunc(def.Name, decl)
}

// RegisterFunc adds an untyped declaration.
func (r *Registry) RegisterFunc(name string, decl DeclareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decls[name] = decl
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decls[name]
	return ok
}

// Names returns all registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.decls))
	for name := range r.decls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plan declares and builds the workflow for one invocation of name.
func (r *Registry) Plan(name string, args json.RawMessage) (*Plan, error) {
	r.mu.RLock()
	decl, ok := r.decls[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", acidic.ErrUnknownJob, name)
	}

	b := NewBuilder()
	if err := decl(b, args); err != nil {
		return nil, err
	}
	plan, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("acidic/workflow: job %q: %w", name, err)
	}
	return plan, nil
}
