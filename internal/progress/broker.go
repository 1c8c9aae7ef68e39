// Package progress is the best-effort push side-channel for live run observers.
// The persisted run/step state is the source of truth; a missed event must never
// cause a missed state transition.
package progress

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names published by the pipeline.
const (
	EventRunning  = "running"
	EventComplete = "complete"
	EventError    = "error"
)

// Event is one progress notification for a run.
type Event struct {
	RunID   uuid.UUID      `json:"run_id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Terminal reports whether this is the run-level terminating event that tells
// observers the stream is done. Per-step completions carry a step_id.
func (e Event) Terminal() bool {
	if e.Name != EventComplete {
		return false
	}
	_, stepScoped := e.Payload["step_id"]
	return !stepScoped
}

// Publisher fans events out to live observers. Publish must never fail the
// caller; transport problems are dropped internally.
type Publisher interface {
	Publish(runID uuid.UUID, name string, payload map[string]any)
}

// subscriberBuffer bounds each subscriber channel. A subscriber that falls this
// far behind starts losing events rather than blocking the pipeline.
const subscriberBuffer = 32

// Broker is an in-memory Publisher with per-run subscriptions.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[chan Event]struct{}
	logger zerolog.Logger
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[uuid.UUID]map[chan Event]struct{}),
		logger: zerolog.Nop(),
	}
}

// WithLogger returns the broker configured to log through the given logger.
func (b *Broker) WithLogger(logger zerolog.Logger) *Broker {
	b.logger = logger
	return b
}

// Subscribe registers a listener for one run's events. The returned cancel
// function must be called when the observer goes away.
func (b *Broker) Subscribe(runID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every live subscriber of the run. Slow
// subscribers are skipped; no subscriber at all is not an error.
func (b *Broker) Publish(runID uuid.UUID, name string, payload map[string]any) {
	event := Event{RunID: runID, Name: name, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[runID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug().
				Stringer("run_id", runID).
				Str("event", name).
				Msg("dropping progress event for slow subscriber")
		}
	}
}
