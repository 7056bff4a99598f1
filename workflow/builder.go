package workflow

import (
	"context"
	"fmt"

	"github.com/xraph/acidic"
)

// Handler runs the business logic of one step. Returning an error rolls
// back the step's transaction and leaves the recovery point on this step.
type Handler func(ctx context.Context, s *Scope) error

// StepOption customizes a declared step.
type StepOption func(*Step)

// Awaits makes the step wait for all jobs to succeed before moving on.
func Awaits(jobs ...Await) StepOption {
	return func(s *Step) { s.Awaits = append(s.Awaits, jobs...) }
}

// Then overrides the step's successor. Use Finished to end the workflow.
func Then(next string) StepOption {
	return func(s *Step) { s.Then = next }
}

// Builder collects step declarations for one invocation.
type Builder struct {
	steps    Workflow
	handlers map[string]Handler
	given    Attrs
	err      error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		handlers: make(map[string]Handler),
		given:    make(Attrs),
	}
}

// Given seeds an execution context attribute for new records.
func (b *Builder) Given(key string, v any) *Builder {
	if err := b.given.Set(key, v); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

// Step declares the next step. A step without a handler must await jobs.
func (b *Builder) Step(name string, h Handler, opts ...StepOption) *Builder {
	s := Step{Does: name}
	for _, opt := range opts {
		opt(&s)
	}
	if h == nil && len(s.Awaits) == 0 && b.err == nil {
		b.err = fmt.Errorf("%w: %q", acidic.ErrMissingHandler, name)
	}
	b.steps = append(b.steps, s)
	if h != nil {
		b.handlers[name] = h
	}
	return b
}

// Build resolves default transitions and validates the graph.
func (b *Builder) Build() (*Plan, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.steps) == 0 {
		return nil, acidic.ErrNoDefinedSteps
	}

	steps := make(Workflow, len(b.steps))
	copy(steps, b.steps)
	for i := range steps {
		if steps[i].Then != "" {
			continue
		}
		if i+1 < len(steps) {
			steps[i].Then = steps[i+1].Does
		} else {
			steps[i].Then = Finished
		}
	}
	if err := steps.Validate(); err != nil {
		return nil, err
	}

	handlers := make(map[string]Handler, len(b.handlers))
	for k, v := range b.handlers {
		handlers[k] = v
	}
	return &Plan{Workflow: steps, handlers: handlers, Given: b.given.Clone()}, nil
}

// Plan is a built workflow: the graph to snapshot plus the handlers that
// run it.
type Plan struct {
	Workflow Workflow
	Given    Attrs
	handlers map[string]Handler
}

// Handler returns the handler for step name.
func (p *Plan) Handler(name string) (Handler, bool) {
	h, ok := p.handlers[name]
	return h, ok
}
