package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/renderd/internal/store"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted      EventType = "started"
	EventReused       EventType = "reused"
	EventLaunchFailed EventType = "launch_failed"
	EventStopped      EventType = "stopped"
	EventReaped       EventType = "reaped"
	EventStale        EventType = "stale"
	EventInactive     EventType = "inactive"
	EventRemoved      EventType = "removed"
	EventPortReleased EventType = "port_released"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	ID         string       `json:"id"`
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Key        string       `json:"key"`
	Port       int          `json:"port"`
	PID        int          `json:"pid,omitempty"`
	Status     store.Status `json:"status,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// NewEvent builds an event for rec with a fresh id.
func NewEvent(t EventType, rec store.Record, msg string) Event {
	if msg == "" {
		msg = rec.ErrorMessage
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Key:        rec.Key,
		Port:       rec.Port,
		PID:        rec.PID,
		Status:     rec.Status,
		Message:    msg,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds one Send on one sink.
const DefaultSendTimeout = 5 * time.Second

// DefaultQueueSize is how many events may wait for delivery before Record
// starts dropping them.
const DefaultQueueSize = 1024

// Recorder fans events out to every sink from a background goroutine, so a
// slow or unreachable sink never delays the caller. Delivery is best-effort:
// failures and overflow are logged and never returned.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	closed  bool
	timeout time.Duration
	log     *slog.Logger

	queue chan queued
	done  chan struct{}

	pmu     sync.Mutex
	pending int
	idle    *sync.Cond
}

type queued struct {
	ctx context.Context
	e   Event
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		timeout: DefaultSendTimeout,
		log:     log,
		queue:   make(chan queued, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	r.idle = sync.NewCond(&r.pmu)
	go r.run()
	return r
}

// Add appends a sink.
func (r *Recorder) Add(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Len returns the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Record queues e for every sink and returns immediately. A nil or closed
// Recorder drops the event.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || len(r.sinks) == 0 {
		return
	}
	r.addPending(1)
	select {
	case r.queue <- queued{ctx: context.WithoutCancel(ctx), e: e}:
	default:
		r.addPending(-1)
		r.log.Warn("history queue full, event dropped", "event", e.Type, "key", e.Key)
	}
}

// Flush blocks until every queued event has been handed to the sinks.
func (r *Recorder) Flush() {
	if r == nil {
		return
	}
	r.pmu.Lock()
	for r.pending > 0 {
		r.idle.Wait()
	}
	r.pmu.Unlock()
}

func (r *Recorder) addPending(n int) {
	r.pmu.Lock()
	r.pending += n
	if r.pending == 0 {
		r.idle.Broadcast()
	}
	r.pmu.Unlock()
}

func (r *Recorder) run() {
	defer close(r.done)
	for q := range r.queue {
		r.deliver(q.ctx, q.e)
		r.addPending(-1)
	}
}

func (r *Recorder) deliver(ctx context.Context, e Event) {
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Warn("history sink failed", "event", e.Type, "key", e.Key, "error", err)
		}
		cancel()
	}
}

// Close delivers what is already queued, then closes every sink that
// implements io.Closer. Events recorded afterwards are dropped.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	r.sinks = nil
	return errors.Join(errs...)
}
