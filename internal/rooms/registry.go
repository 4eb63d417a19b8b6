// Package rooms tracks which server-side rooms the client has joined.
package rooms

import (
	"log/slog"
	"sync"

	"github.com/akkash/testbro-telemetry/internal/protocol"
)

// Sender emits named commands over the active connection. Send returns false
// when no connection is available; the registry treats that as a soft
// failure and keeps its local bookkeeping, relying on the connection layer
// to re-join active rooms after (re)connect.
type Sender interface {
	SendCommand(name string, data any) bool
}

// Registry reference-counts interest in (kind, id) rooms. Multiple consumers
// subscribing to the same room produce exactly one server-side subscribe on
// the 0→1 transition and one unsubscribe on 1→0.
type Registry struct {
	sender Sender
	logger *slog.Logger

	mu     sync.Mutex
	counts map[protocol.Room]int
}

// NewRegistry creates a Registry that emits join/leave commands via sender.
func NewRegistry(sender Sender, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sender: sender,
		logger: logger,
		counts: make(map[protocol.Room]int),
	}
}

// Subscribe increments the reference count for the room. On the 0→1
// transition a subscribe command is emitted; if the connection is down the
// command is dropped and the room is re-joined on the next connect.
func (r *Registry) Subscribe(kind protocol.RoomKind, id string) {
	room := protocol.Room{Kind: kind, ID: id}

	r.mu.Lock()
	r.counts[room]++
	first := r.counts[room] == 1
	r.mu.Unlock()

	if !first {
		return
	}
	if !r.sender.SendCommand(protocol.CmdSubscribe, protocol.SubscribeData{Room: room.Name()}) {
		r.logger.Debug("subscribe deferred until connected", "room", room)
	}
}

// Unsubscribe decrements the reference count. On the 1→0 transition an
// unsubscribe command is emitted and the entry removed. Unsubscribing a room
// with no outstanding subscriptions is a no-op.
func (r *Registry) Unsubscribe(kind protocol.RoomKind, id string) {
	room := protocol.Room{Kind: kind, ID: id}

	r.mu.Lock()
	count, ok := r.counts[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	count--
	if count > 0 {
		r.counts[room] = count
		r.mu.Unlock()
		return
	}
	delete(r.counts, room)
	r.mu.Unlock()

	if !r.sender.SendCommand(protocol.CmdUnsubscribe, protocol.SubscribeData{Room: room.Name()}) {
		r.logger.Debug("unsubscribe dropped while disconnected", "room", room)
	}
}

// Active returns the current set of subscribed rooms, for diagnostics and
// for re-joining after reconnect.
func (r *Registry) Active() []protocol.Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]protocol.Room, 0, len(r.counts))
	for room := range r.counts {
		active = append(active, room)
	}
	return active
}

// Count returns the reference count for one room, for diagnostics.
func (r *Registry) Count(kind protocol.RoomKind, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[protocol.Room{Kind: kind, ID: id}]
}
