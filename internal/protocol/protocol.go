package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType tags an inbound Envelope. The enumeration is closed: the server
// may add new tags, and clients ignore tags they do not recognize.
type EventType string

const (
	EventExecutionStart    EventType = "execution_start"
	EventExecutionProgress EventType = "execution_progress"
	EventStepStart         EventType = "step_start"
	EventStepComplete      EventType = "step_complete"
	EventExecutionComplete EventType = "execution_complete"
	EventError             EventType = "error"
	EventLog               EventType = "log"
	EventBrowserControl    EventType = "browser_control"
	EventLivePreview       EventType = "live_preview"
	EventScreenshot        EventType = "screenshot"
	EventRecording         EventType = "recording"
	EventPlayback          EventType = "playback"
	EventPresence          EventType = "presence"
	EventSystemMetrics     EventType = "system_metrics"
	EventHeartbeat         EventType = "heartbeat"
)

var knownEvents = map[EventType]struct{}{
	EventExecutionStart:    {},
	EventExecutionProgress: {},
	EventStepStart:         {},
	EventStepComplete:      {},
	EventExecutionComplete: {},
	EventError:             {},
	EventLog:               {},
	EventBrowserControl:    {},
	EventLivePreview:       {},
	EventScreenshot:        {},
	EventRecording:         {},
	EventPlayback:          {},
	EventPresence:          {},
	EventSystemMetrics:     {},
	EventHeartbeat:         {},
}

// Known reports whether t is part of the closed event enumeration.
func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

// Metadata carries optional routing information on an Envelope.
type Metadata struct {
	Source  string `json:"source,omitempty"`
	Version string `json:"version,omitempty"`
	Target  string `json:"target,omitempty"`
}

// Envelope is one typed event received from the server. Envelopes are
// immutable once received; the payload stays raw JSON until a consumer
// decodes it into the payload type for the tag.
type Envelope struct {
	Type        EventType       `json:"type"`
	ExecutionID string          `json:"executionId,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	StepID      string          `json:"stepId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   string          `json:"timestamp"`
	Metadata    *Metadata       `json:"metadata,omitempty"`
}

// ParseEnvelope decodes a raw frame into an Envelope. A frame without a type
// tag is malformed.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("parse envelope: missing type tag")
	}
	return &env, nil
}

// Command is an outbound message to the server.
type Command struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// Command names.
const (
	CmdSubscribe        = "subscribe"
	CmdUnsubscribe      = "unsubscribe"
	CmdHeartbeat        = "heartbeat"
	CmdHeartbeatAck     = "heartbeat_ack"
	CmdBrowserCommand   = "browser_command"
	CmdRecordingControl = "recording_control"
	CmdPlaybackControl  = "playback_control"
	CmdReplayControl    = "replay_control"
	CmdActivity         = "activity"
)

// RoomKind identifies a server-side grouping a client joins to receive
// related envelopes.
type RoomKind string

const (
	RoomExecution RoomKind = "execution"
	RoomProject   RoomKind = "project"
	RoomBrowser   RoomKind = "browser"
	RoomRecording RoomKind = "recording"
	RoomPlayback  RoomKind = "playback"
)

// Room is a (kind, id) pair naming one server-side grouping.
type Room struct {
	Kind RoomKind
	ID   string
}

// Name returns the wire name for the room, "{kind}:{id}".
func (r Room) Name() string {
	return string(r.Kind) + ":" + r.ID
}

// String implements fmt.Stringer for log output.
func (r Room) String() string { return r.Name() }
