package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xraph/acidic"
)

// Finished is the terminal recovery point.
const Finished = "FINISHED"

// Await references a sub-job to run before a step is complete.
type Await struct {
	// Adapter names the queue adapter; empty means the engine default.
	Adapter string          `json:"adapter,omitempty"`
	JobName string          `json:"job_name"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// AwaitJob builds an Await for jobName, encoding args as JSON. It panics if
// args cannot be encoded (programming error).
func AwaitJob(jobName string, args any) Await {
	if args == nil {
		return Await{JobName: jobName}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("workflow: encode await args for %q: %v", jobName, err))
	}
	return Await{JobName: jobName, Args: raw}
}

// Step is one node of the workflow graph.
type Step struct {
	// Does names the handler to run; it is also the step's recovery point.
	Does string `json:"does"`

	// Awaits lists sub-jobs that must all succeed before Then runs.
	Awaits []Await `json:"awaits,omitempty"`

	// Then is the next recovery point, a step name or Finished.
	Then string `json:"then"`
}

// Workflow is the ordered step graph stored on an execution record.
type Workflow []Step

// Lookup returns the step for a recovery point.
func (w Workflow) Lookup(point string) (Step, bool) {
	for _, s := range w {
		if s.Does == point {
			return s, true
		}
	}
	return Step{}, false
}

// First returns the initial recovery point, or Finished for an empty graph.
func (w Workflow) First() string {
	if len(w) == 0 {
		return Finished
	}
	return w[0].Does
}

// Contains reports whether point is a declared step or Finished.
func (w Workflow) Contains(point string) bool {
	if point == Finished {
		return true
	}
	_, ok := w.Lookup(point)
	return ok
}

// Names returns the step names in declaration order.
func (w Workflow) Names() []string {
	names := make([]string, len(w))
	for i, s := range w {
		names[i] = s.Does
	}
	return names
}

// Validate checks that the graph is non-empty, step names are unique and
// every transition targets a declared step or Finished.
func (w Workflow) Validate() error {
	if len(w) == 0 {
		return acidic.ErrNoDefinedSteps
	}
	seen := make(map[string]struct{}, len(w))
	for _, s := range w {
		if s.Does == "" {
			return errors.New("acidic/workflow: step with empty name")
		}
		if s.Does == Finished {
			return fmt.Errorf("acidic/workflow: step may not be named %q", Finished)
		}
		if _, dup := seen[s.Does]; dup {
			return fmt.Errorf("acidic/workflow: duplicate step %q", s.Does)
		}
		seen[s.Does] = struct{}{}
	}
	for _, s := range w {
		if !w.Contains(s.Then) {
			return fmt.Errorf("%w: step %q transitions to %q", acidic.ErrUnknownRecoveryPoint, s.Does, s.Then)
		}
	}
	return nil
}
