package calllog

import (
	"context"
	"log/slog"
	"time"

	"github.com/converge-bio/converge-go/internal/governor"
)

const defaultQueueSize = 256

// Recorder adapts the governor's event stream onto the append-only call
// log. Events are queued and written by a background writer so a slow
// database never stalls an adapter call; each write still uses its own
// bounded context, so a cancelled run does not lose the record of calls
// it already issued.
type Recorder struct {
	db           QueryRower
	logger       *slog.Logger
	writeTimeout time.Duration
	queue        chan Event
	done         chan struct{}
	insert       func(ctx context.Context, q QueryRower, event Event) (int64, error)
}

func NewRecorder(db QueryRower, logger *slog.Logger) *Recorder {
	if db == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		db:           db,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		queue:        make(chan Event, defaultQueueSize),
		done:         make(chan struct{}),
		insert:       Insert,
	}
	go r.drain()
	return r
}

// Emit implements governor.EventSink. Never blocks and never propagates
// failures: the call log is an audit trail, not a gate. When the queue is
// full the event is dropped with a warning.
func (r *Recorder) Emit(event governor.CallEvent) {
	if r == nil || r.db == nil {
		return
	}
	select {
	case r.queue <- Event{
		OccurredAt: event.Time,
		Source:     event.Source,
		Capability: event.Capability,
		Attempt:    event.Attempt,
		Outcome:    string(event.Outcome),
		ErrorKind:  event.ErrorKind,
		ElapsedMS:  event.Elapsed.Milliseconds(),
	}:
	default:
		r.logger.Warn("call log queue full, event dropped",
			"source", event.Source,
			"capability", event.Capability,
		)
	}
}

// Close stops the background writer after draining queued events. Call
// only once the governor has stopped emitting.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.queue)
	<-r.done
}

func (r *Recorder) drain() {
	defer close(r.done)
	for event := range r.queue {
		r.write(event)
	}
}

func (r *Recorder) write(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if _, err := r.insert(ctx, r.db, event); err != nil {
		r.logger.Error("call log write failed",
			"source", event.Source,
			"capability", event.Capability,
			"error", err,
		)
	}
}
