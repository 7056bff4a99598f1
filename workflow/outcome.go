package workflow

// OutcomeKind classifies how a step ended.
type OutcomeKind int

const (
	// OutcomeContinue advances to Outcome.Next.
	OutcomeContinue OutcomeKind = iota
	// OutcomeHalt finishes the workflow early.
	OutcomeHalt
	// OutcomeAwait parks the record until an awaited batch succeeds.
	OutcomeAwait
	// OutcomeFail stops the run with Outcome.Err.
	OutcomeFail
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeHalt:
		return "halt"
	case OutcomeAwait:
		return "await"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome is the value the step executor hands back to the run loop.
type Outcome struct {
	Kind    OutcomeKind
	Next    string
	BatchID string
	Err     error
}

// Continue advances to next.
func Continue(next string) Outcome { return Outcome{Kind: OutcomeContinue, Next: next} }

// Halt finishes the workflow.
func Halt() Outcome { return Outcome{Kind: OutcomeHalt, Next: Finished} }

// Awaiting parks the record on batchID.
func Awaiting(batchID string) Outcome { return Outcome{Kind: OutcomeAwait, BatchID: batchID} }

// Fail stops the run with err.
func Fail(err error) Outcome { return Outcome{Kind: OutcomeFail, Err: err} }
