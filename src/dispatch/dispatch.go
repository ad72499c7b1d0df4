// Package dispatch is the SDK's event bus. Handlers subscribe by event
// name; an optional relay shares emitted events with other processes.
package dispatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a named notification delivered to subscribers.
type Event struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events. Handlers run on the emitting goroutine.
type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	name string
	id   uint64
}

// Relay forwards emitted events to other processes.
// Defined here to avoid circular imports with the bridge package.
type Relay interface {
	Publish(ev Event) error
	Available() bool
}

type entry struct {
	id      uint64
	handler Handler
}

// Dispatcher is the publish/subscribe bus the SDK announces session and
// data events on.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64
	relay    Relay
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Dispatcher.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]entry),
		logger:   logger.With().Str("component", "dispatch").Logger(),
		now:      time.Now,
	}
}

// SetRelay attaches a cross-process relay. When set, emitted events are
// also published through it.
func (d *Dispatcher) SetRelay(r Relay) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relay = r
}

// On registers h for events named name.
func (d *Dispatcher) On(name string, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[name] = append(d.handlers[name], entry{id: d.nextID, handler: h})
	return Subscription{name: name, id: d.nextID}
}

// Off removes a handler. Returns false if it was not registered.
func (d *Dispatcher) Off(sub Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[sub.name]
	for i, e := range list {
		if e.id == sub.id {
			d.handlers[sub.name] = append(list[:i:i], list[i+1:]...)
			if len(d.handlers[sub.name]) == 0 {
				delete(d.handlers, sub.name)
			}
			return true
		}
	}
	return false
}

// Emit delivers an event to local subscribers and the relay.
func (d *Dispatcher) Emit(name string, payload any) {
	ev := Event{Name: name, Payload: payload, Timestamp: d.now()}
	d.publishToRelay(ev)
	d.EmitLocal(ev)
}

// EmitLocal delivers an event from the relay to local subscribers only.
// It does not re-publish, preventing loops.
func (d *Dispatcher) EmitLocal(ev Event) {
	d.mu.RLock()
	list := d.handlers[ev.Name]
	// Copy so handlers can call On/Off.
	handlers := make([]Handler, len(list))
	for i, e := range list {
		handlers[i] = e.handler
	}
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug().Str("event", ev.Name).Msg("no subscribers")
		return
	}
	for _, h := range handlers {
		d.invoke(ev, h)
	}
}

// Subscribers returns the number of handlers for name.
func (d *Dispatcher) Subscribers(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

func (d *Dispatcher) invoke(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("event", ev.Name).Msg("handler panicked")
		}
	}()
	h(ev)
}

func (d *Dispatcher) publishToRelay(ev Event) {
	d.mu.RLock()
	r := d.relay
	d.mu.RUnlock()

	if r == nil || !r.Available() {
		return
	}
	if err := r.Publish(ev); err != nil {
		d.logger.Error().Err(err).Str("event", ev.Name).Msg("relay publish failed")
	}
}
