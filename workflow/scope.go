package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/acidic/id"
)

// Scope is what a step handler sees of its execution record. Attribute
// writes land in a working copy that the engine persists only if the step
// commits.
type Scope struct {
	recordID id.ID
	jobName  string
	step     string
	args     json.RawMessage
	attrs    Attrs
	halted   bool
}

// NewScope creates a scope over a copy of attrs. It is called by the
// engine, not by users.
func NewScope(recordID id.ID, jobName, step string, args json.RawMessage, attrs Attrs) *Scope {
	return &Scope{
		recordID: recordID,
		jobName:  jobName,
		step:     step,
		args:     args,
		attrs:    attrs.Clone(),
	}
}

// RecordID returns the execution record's ID.
func (s *Scope) RecordID() id.ID { return s.recordID }

// JobName returns the running job's name.
func (s *Scope) JobName() string { return s.jobName }

// Step returns the running step's name.
func (s *Scope) Step() string { return s.step }

// Args decodes the job arguments into v.
func (s *Scope) Args(v any) error {
	if len(s.args) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.args, v); err != nil {
		return fmt.Errorf("acidic/workflow: decode args for %q: %w", s.jobName, err)
	}
	return nil
}

// Get decodes the attribute stored under key into v.
func (s *Scope) Get(key string, v any) (bool, error) { return s.attrs.Get(key, v) }

// Set stores v under key.
func (s *Scope) Set(key string, v any) error { return s.attrs.Set(key, v) }

// Has reports whether key is set.
func (s *Scope) Has(key string) bool { return s.attrs.Has(key) }

// Delete removes key.
func (s *Scope) Delete(key string) { s.attrs.Delete(key) }

// Attrs returns a copy of the working attributes.
func (s *Scope) Attrs() Attrs { return s.attrs.Clone() }

// Halt finishes the workflow safely once this step commits. Remaining steps
// are skipped.
func (s *Scope) Halt() { s.halted = true }

// Halted reports whether Halt was called.
func (s *Scope) Halted() bool { return s.halted }
