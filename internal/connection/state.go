package connection

import "time"

// Phase is the connection lifecycle state machine. Transitions are discrete:
//
//	idle → connecting → connected
//	connected → reconnecting → connecting → connected
//	reconnecting → terminal (after MaxReconnects failed attempts)
//	any → idle (manual Disconnect)
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseTerminal
)

var phaseNames = map[Phase]string{
	PhaseIdle:         "idle",
	PhaseConnecting:   "connecting",
	PhaseConnected:    "connected",
	PhaseReconnecting: "reconnecting",
	PhaseTerminal:     "terminal",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// State is the externally observable connection state. Connecting and
// Connected are never both true.
type State struct {
	Connected      bool
	Connecting     bool
	Error          string
	LatencyMS      int64
	ConnectionID   string
	ConnectedAt    time.Time
	ReconnectCount int
}

// StateListener observes connection state transitions. Listeners are invoked
// synchronously on every transition; invocation order across listeners is
// not guaranteed.
type StateListener func(State)
