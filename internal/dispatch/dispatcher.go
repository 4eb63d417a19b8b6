// Package dispatch routes inbound envelopes to registered handlers.
package dispatch

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/akkash/testbro-telemetry/internal/protocol"
)

// Handler consumes one envelope. Handlers run synchronously on the dispatch
// goroutine; a panicking handler is recovered and logged without affecting
// the remaining handlers or the connection.
type Handler func(*protocol.Envelope)

// Stats contains dispatcher counters.
type Stats struct {
	Dispatched    int64
	Unhandled     int64
	HandlerPanics int64
}

// Dispatcher maps event types to handler sets. Every registration is
// independent and owns a remove func, so two consumers passing the same
// function, or method values bound to different receivers, never displace
// each other. Dispatch iterates over a snapshot, so handlers may register
// and remove reentrantly.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[protocol.EventType]map[int]Handler
	nextID   int

	dispatched    int64
	unhandled     int64
	handlerPanics int64
}

// New creates a Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[protocol.EventType]map[int]Handler),
	}
}

// On registers a handler for an event type and returns a func that removes
// exactly this registration. The remove func is idempotent.
func (d *Dispatcher) On(t protocol.EventType, h Handler) (remove func()) {
	if h == nil {
		return func() {}
	}

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	set, ok := d.handlers[t]
	if !ok {
		set = make(map[int]Handler)
		d.handlers[t] = set
	}
	set[id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if set, ok := d.handlers[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(d.handlers, t)
			}
		}
	}
}

// OffAll clears every handler for an event type.
func (d *Dispatcher) OffAll(t protocol.EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, t)
}

// Dispatch invokes every handler registered for the envelope's type, in
// registration order. Envelopes with no registered handlers are counted and
// otherwise ignored, so new server-side event types stay forward-compatible.
func (d *Dispatcher) Dispatch(env *protocol.Envelope) {
	d.mu.RLock()
	set := d.handlers[env.Type]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]Handler, len(ids))
	for i, id := range ids {
		snapshot[i] = set[id]
	}
	d.mu.RUnlock()

	d.mu.Lock()
	d.dispatched++
	if len(snapshot) == 0 {
		d.unhandled++
	}
	d.mu.Unlock()

	for _, h := range snapshot {
		d.invoke(env, h)
	}
}

// invoke runs one handler, isolating panics from the rest of the set.
func (d *Dispatcher) invoke(env *protocol.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.handlerPanics++
			d.mu.Unlock()
			d.logger.Error("event handler panicked",
				"type", env.Type,
				"panic", r,
			)
		}
	}()
	h(env)
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		Dispatched:    d.dispatched,
		Unhandled:     d.unhandled,
		HandlerPanics: d.handlerPanics,
	}
}
