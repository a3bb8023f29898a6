package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

const (
	defaultRecorderBuffer = 1024
	writeTimeout          = 5 * time.Second
)

// Recorder journals every event published on a bus. Events are queued and
// written by a background goroutine; Close drains the queue.
type Recorder struct {
	journal *Journal
	logger  *logging.Logger
	buffer  int

	mu      sync.Mutex
	bus     *event.Bus
	subID   string
	queue   chan Entry
	done    chan struct{}
	dropped int
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the recorder's logger.
func WithRecorderLogger(l *logging.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l.WithComponent("store")
		}
	}
}

// WithRecorderBuffer sets how many events may wait to be written before
// new ones are dropped.
func WithRecorderBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// NewRecorder creates a recorder writing to j.
func NewRecorder(j *Journal, opts ...RecorderOption) *Recorder {
	r := &Recorder{journal: j, logger: logging.NopLogger(), buffer: defaultRecorderBuffer}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach subscribes to every event on bus and starts the writer. Attaching
// twice is a no-op.
func (r *Recorder) Attach(bus *event.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bus != nil {
		return
	}
	r.bus = bus
	r.queue = make(chan Entry, r.buffer)
	r.done = make(chan struct{})
	r.subID = bus.SubscribeAll(r.enqueue)
	go r.drain(r.queue, r.done)
}

func (r *Recorder) enqueue(e event.Event) {
	entry, err := EntryFor(e)
	if err != nil {
		r.logger.Warn("event not journaled", "type", e.EventType(), "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue == nil {
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped++
		r.logger.Warn("journal queue full, event dropped", "type", entry.Type, "dropped", r.dropped)
	}
}

func (r *Recorder) drain(queue <-chan Entry, done chan<- struct{}) {
	defer close(done)
	for e := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if _, err := r.journal.Append(ctx, e); err != nil {
			r.logger.Error("journal write failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Dropped returns how many events were lost to a full queue.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close unsubscribes and waits for queued events to be written. It does
// not close the journal.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.bus == nil {
		r.mu.Unlock()
		return
	}
	r.bus.Unsubscribe(r.subID)
	close(r.queue)
	done := r.done
	r.bus, r.queue = nil, nil
	r.mu.Unlock()
	<-done
}

// EntryFor converts an event to a journal entry. The subject is the ID of
// the entity the event is about.
func EntryFor(e event.Event) (Entry, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Type:       e.EventType(),
		Subject:    subjectOf(e),
		Payload:    payload,
		OccurredAt: e.Timestamp(),
	}, nil
}

func subjectOf(e event.Event) string {
	switch ev := e.(type) {
	case event.WorkerRegisteredEvent:
		return ev.WorkerID
	case event.WorkerOnlineEvent:
		return ev.WorkerID
	case event.WorkerOfflineEvent:
		return ev.WorkerID
	case event.TaskSubmittedEvent:
		return ev.TaskID
	case event.TaskAssignedEvent:
		return ev.TaskID
	case event.TaskStatusChangedEvent:
		return ev.TaskID
	case event.TaskBlockedEvent:
		return ev.TaskID
	case event.ConflictDetectedEvent:
		return ev.ConflictID
	case event.ConflictResolvedEvent:
		return ev.ConflictID
	case event.ConflictEscalatedEvent:
		return ev.ConflictID
	case event.QualityEvaluatedEvent:
		return ev.TaskID
	case event.AlertRaisedEvent:
		return ev.AlertID
	case event.AlertResolvedEvent:
		return ev.AlertID
	case event.ErrorHandledEvent:
		return ev.OccurrenceID
	case event.ConfigReloadedEvent:
		return ev.Path
	}
	return ""
}
