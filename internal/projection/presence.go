package projection

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/akkash/testbro-telemetry/internal/protocol"
)

// Member is one user's presence entry in a project room.
type Member struct {
	UserID   string
	Name     string
	Activity string
	LastSeen string
}

// Presence folds presence envelopes into a user id → member map. A "left"
// status removes the entry; anything else upserts it.
type Presence struct {
	logger *slog.Logger

	mu      sync.Mutex
	members map[string]Member
}

// NewPresence creates an empty presence map.
func NewPresence(logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		logger:  logger,
		members: make(map[string]Member),
	}
}

// Apply folds one presence envelope.
func (p *Presence) Apply(env *protocol.Envelope) {
	if env.Type != protocol.EventPresence || env.UserID == "" {
		return
	}

	var payload protocol.PresencePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.logger.Warn("bad presence payload", "user_id", env.UserID, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if payload.Status == "left" {
		delete(p.members, env.UserID)
		return
	}

	member := p.members[env.UserID]
	member.UserID = env.UserID
	if payload.Name != "" {
		member.Name = payload.Name
	}
	if payload.Activity != "" {
		member.Activity = payload.Activity
	}
	member.LastSeen = payload.LastSeen
	p.members[env.UserID] = member
}

// Members returns a copy of the current presence map.
func (p *Presence) Members() map[string]Member {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Member, len(p.members))
	for id, m := range p.members {
		out[id] = m
	}
	return out
}
