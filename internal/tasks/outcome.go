package tasks

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeInterrupted
)

// Outcome is what a unit of work reports explicitly about itself. Returning
// an Outcome as the work's value takes precedence over the absence of an
// error, so cooperative cancellation can report Interrupted without failing.
type Outcome struct {
	Kind  OutcomeKind
	Value any
	Err   error
}

// Completed reports success with an optional value.
func Completed(v any) Outcome { return Outcome{Kind: OutcomeCompleted, Value: v} }

// Failed reports an error the work caught itself.
func Failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }

// Interrupted reports that the work stopped on an interrupt request.
// v may carry partial results.
func Interrupted(v any) Outcome { return Outcome{Kind: OutcomeInterrupted, Value: v} }

// Status maps the outcome onto a terminal task status.
func (o Outcome) Status() Status {
	switch o.Kind {
	case OutcomeFailed:
		return StatusFailed
	case OutcomeInterrupted:
		return StatusInterrupted
	default:
		return StatusCompleted
	}
}
