package governor

import "time"

// CallOutcome classifies one adapter call attempt.
type CallOutcome string

const (
	OutcomeSuccess CallOutcome = "success"
	OutcomeRetry   CallOutcome = "retry"
	OutcomeFailure CallOutcome = "failure"
)

// CallEvent describes one adapter call attempt for observability. The
// governor only emits events; it never logs.
type CallEvent struct {
	Time       time.Time
	Source     string
	Capability string
	Attempt    int
	Outcome    CallOutcome
	// ErrorKind is set for retry/failure outcomes.
	ErrorKind string
	Elapsed   time.Duration
}

// EventSink receives call events. Implementations must be safe for
// concurrent use; slow sinks delay the calling run.
type EventSink interface {
	Emit(event CallEvent)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(event CallEvent)

func (f SinkFunc) Emit(event CallEvent) {
	if f != nil {
		f(event)
	}
}
