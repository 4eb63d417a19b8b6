package protocol

// ExecutionStatus values carried inside progress payloads. "paused" and
// "running" toggle the paused sub-state of a running execution.
const (
	StatusRunning = "running"
	StatusPaused  = "paused"
)

// ExecutionStartPayload opens a new execution stream.
type ExecutionStartPayload struct {
	Name       string         `json:"name,omitempty"`
	ProjectID  string         `json:"projectId,omitempty"`
	TotalSteps int            `json:"totalSteps,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// ExecutionProgressPayload updates progress for a running execution.
type ExecutionProgressPayload struct {
	Progress float64    `json:"progress"`
	Status   string     `json:"status,omitempty"`
	Logs     []LogEntry `json:"logs,omitempty"`
}

// StepPayload describes one step for step_start and step_complete events.
// Order determines the display position; steps are merged by StepID.
type StepPayload struct {
	StepID     string `json:"stepId"`
	Name       string `json:"name,omitempty"`
	Order      int    `json:"order"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

// ErrorPayload carries a failure message for an execution.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// LogEntry is one line of execution output.
type LogEntry struct {
	Level     string `json:"level,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PresencePayload reports a user joining, leaving, or updating activity
// within a project room.
type PresencePayload struct {
	Status   string `json:"status"` // "joined", "left", "active"
	Name     string `json:"name,omitempty"`
	Activity string `json:"activity,omitempty"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// SystemMetricsPayload is one sample of server-side load, rendered on the
// dashboard's system health view.
type SystemMetricsPayload struct {
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryPercent   float64 `json:"memoryPercent"`
	ActiveSessions  int     `json:"activeSessions"`
	QueuedJobs      int     `json:"queuedJobs"`
	RunningBrowsers int     `json:"runningBrowsers"`
}

// HeartbeatPayload carries the server timestamp of a liveness probe reply.
type HeartbeatPayload struct {
	TS int64 `json:"ts"`
}

// Outbound command data shapes.

// SubscribeData names the room for subscribe/unsubscribe commands.
type SubscribeData struct {
	Room string `json:"room"`
}

// BrowserCommandData drives a live browser session.
type BrowserCommandData struct {
	SessionID string         `json:"sessionId"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// ControlData drives recording, playback, and replay transport controls.
type ControlData struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// ActivityData reports the user's current dashboard activity for presence.
type ActivityData struct {
	Activity string `json:"activity"`
	Detail   string `json:"detail,omitempty"`
}

// HeartbeatData is the client timestamp attached to a liveness probe.
type HeartbeatData struct {
	TS int64 `json:"ts"`
}
