// Package event provides lightweight notifications about background work.
//
// Design principles:
// - Events are notifications with a small payload of ids
// - Each event type is a separate Go type for type safety
// - Clients call the HTTP API to fetch actual data after receiving notifications
package event

import (
	"log/slog"
	"sync"

	"github.com/choraleia/persona/pkg/utils"
)

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "topic.compressed")
	EventName() string
}

// Scoped events belong to one persona/user conversation. The user id is
// empty for persona-wide events.
type Scoped interface {
	Scope() (personaID, userID string)
}

// Listener is a callback function for handling events.
type Listener func(Event)

type subscription struct {
	id int64
	fn Listener
}

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	nextID       int64
	listeners    map[string][]subscription // eventName -> listeners
	allListeners []subscription            // listeners for all events
	logger       *slog.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		listeners: make(map[string][]subscription),
		logger:    utils.OrDiscard(logger),
	}
}

// On subscribes to a specific event type.
// Returns an unsubscribe function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[eventName] = append(e.listeners[eventName], subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners[eventName] = without(e.listeners[eventName], id)
	}
}

// OnAny subscribes to all events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.allListeners = append(e.allListeners, subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.allListeners = without(e.allListeners, id)
	}
}

func without(subs []subscription, id int64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit dispatches an event to all matching listeners. A nil emitter drops
// the event.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	// Copy listeners to avoid holding lock during callbacks
	specific := append([]subscription(nil), e.listeners[ev.EventName()]...)
	all := append([]subscription(nil), e.allListeners...)
	e.mu.RUnlock()

	e.logger.Debug("Emitting event", "event", ev.EventName(), "specific", len(specific), "wildcard", len(all))

	for _, s := range specific {
		s.fn(ev)
	}
	for _, s := range all {
		s.fn(ev)
	}
}
