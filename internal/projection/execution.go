package projection

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/akkash/testbro-telemetry/internal/protocol"
)

// ExecPhase is the execution lifecycle: idle → running → {completed |
// failed}, with paused as a sub-state reachable only from running.
type ExecPhase int

const (
	ExecIdle ExecPhase = iota
	ExecRunning
	ExecPaused
	ExecCompleted
	ExecFailed
)

var execPhaseNames = map[ExecPhase]string{
	ExecIdle:      "idle",
	ExecRunning:   "running",
	ExecPaused:    "paused",
	ExecCompleted: "completed",
	ExecFailed:    "failed",
}

func (p ExecPhase) String() string {
	if s, ok := execPhaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// Terminal reports whether the phase accepts no further state changes.
func (p ExecPhase) Terminal() bool {
	return p == ExecCompleted || p == ExecFailed
}

// Step is one entry in an execution's ordered step list.
type Step struct {
	StepID     string
	Name       string
	Order      int
	Status     string
	Error      string
	DurationMS int64
}

// ExecutionView is a read-only snapshot of an execution projection.
type ExecutionView struct {
	ExecutionID string
	Phase       ExecPhase
	Progress    float64
	Data        map[string]any
	Steps       []Step
	LogTail     []protocol.LogEntry
	Complete    bool
	Error       string
}

// Execution folds the event stream for one execution into its current view.
// Events must be applied in wire order; Apply never reorders or coalesces.
type Execution struct {
	id     string
	logger *slog.Logger

	mu         sync.Mutex
	phase      ExecPhase
	progress   float64
	data       map[string]any
	steps      []Step
	logTail    []protocol.LogEntry
	maxLogTail int
	errMsg     string
}

// NewExecution creates an idle projection for one execution id. maxLogTail
// bounds the log tail; zero means DefaultMaxLogTail.
func NewExecution(id string, maxLogTail int, logger *slog.Logger) *Execution {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLogTail <= 0 {
		maxLogTail = DefaultMaxLogTail
	}
	return &Execution{
		id:         id,
		logger:     logger,
		maxLogTail: maxLogTail,
	}
}

// DefaultMaxLogTail bounds per-execution log retention.
const DefaultMaxLogTail = 1000

// Apply folds one envelope into the projection. Envelopes for other
// executions and unrelated event types are ignored.
func (e *Execution) Apply(env *protocol.Envelope) {
	if env.ExecutionID != "" && env.ExecutionID != e.id {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch env.Type {
	case protocol.EventExecutionStart:
		e.applyStart(env)
	case protocol.EventExecutionProgress:
		e.applyProgress(env)
	case protocol.EventStepStart, protocol.EventStepComplete:
		e.applyStep(env)
	case protocol.EventExecutionComplete:
		e.applyComplete(env)
	case protocol.EventError:
		e.applyError(env)
	case protocol.EventLog:
		// Trailing logs are recorded even after completion.
		var entry protocol.LogEntry
		if err := json.Unmarshal(env.Payload, &entry); err != nil {
			e.logger.Warn("bad log payload", "execution_id", e.id, "error", err)
			return
		}
		e.appendLog(entry)
	}
}

func (e *Execution) applyStart(env *protocol.Envelope) {
	if e.phase.Terminal() {
		// Completed and failed runs are immutable; a rerun arrives on a
		// fresh projection after the old one is discarded.
		return
	}

	var p protocol.ExecutionStartPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.logger.Warn("bad execution_start payload", "execution_id", e.id, "error", err)
		}
	}

	e.phase = ExecRunning
	e.progress = 0
	e.steps = nil
	e.logTail = nil
	e.errMsg = ""
	e.data = make(map[string]any)
	for k, v := range p.Data {
		e.data[k] = v
	}
	if p.Name != "" {
		e.data["name"] = p.Name
	}
	if p.TotalSteps > 0 {
		e.data["totalSteps"] = p.TotalSteps
	}
}

func (e *Execution) applyProgress(env *protocol.Envelope) {
	if e.phase.Terminal() {
		return
	}

	var p protocol.ExecutionProgressPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.logger.Warn("bad execution_progress payload", "execution_id", e.id, "error", err)
		return
	}

	if e.phase == ExecIdle {
		// Mid-run join: the start event predates this subscription.
		e.phase = ExecRunning
	}
	e.progress = p.Progress
	switch p.Status {
	case protocol.StatusPaused:
		e.phase = ExecPaused
	case protocol.StatusRunning:
		e.phase = ExecRunning
	}
	for _, entry := range p.Logs {
		e.appendLog(entry)
	}
}

// applyStep upserts a step keyed by step id and re-sorts by step order.
// The sort is stable, so steps with equal order keep arrival order.
func (e *Execution) applyStep(env *protocol.Envelope) {
	if e.phase.Terminal() {
		return
	}

	var p protocol.StepPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.logger.Warn("bad step payload", "execution_id", e.id, "error", err)
		return
	}
	if p.StepID == "" {
		p.StepID = env.StepID
	}

	step := Step{
		StepID:     p.StepID,
		Name:       p.Name,
		Order:      p.Order,
		Status:     p.Status,
		Error:      p.Error,
		DurationMS: p.DurationMS,
	}
	if step.Status == "" {
		if env.Type == protocol.EventStepComplete {
			step.Status = "completed"
		} else {
			step.Status = "running"
		}
	}

	replaced := false
	for i := range e.steps {
		if e.steps[i].StepID == step.StepID {
			e.steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		e.steps = append(e.steps, step)
	}

	sort.SliceStable(e.steps, func(i, j int) bool {
		return e.steps[i].Order < e.steps[j].Order
	})
}

// applyComplete merges the final payload over existing data: existing fields
// are preserved unless overwritten.
func (e *Execution) applyComplete(env *protocol.Envelope) {
	if e.phase.Terminal() {
		return
	}

	e.phase = ExecCompleted
	e.progress = 100

	if len(env.Payload) == 0 {
		return
	}
	var final map[string]any
	if err := json.Unmarshal(env.Payload, &final); err != nil {
		e.logger.Warn("bad execution_complete payload", "execution_id", e.id, "error", err)
		return
	}
	if e.data == nil {
		e.data = make(map[string]any)
	}
	for k, v := range final {
		e.data[k] = v
	}
}

// applyError marks the execution failed. Already-collected steps and logs
// stay visible as partial results.
func (e *Execution) applyError(env *protocol.Envelope) {
	if e.phase.Terminal() {
		return
	}

	var p protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Message == "" {
		p.Message = "execution failed"
	}
	e.phase = ExecFailed
	e.errMsg = p.Message
}

func (e *Execution) appendLog(entry protocol.LogEntry) {
	e.logTail = append(e.logTail, entry)
	if len(e.logTail) > e.maxLogTail {
		e.logTail = e.logTail[len(e.logTail)-e.maxLogTail:]
	}
}

// Snapshot returns a copy of the current view, safe to retain.
func (e *Execution) Snapshot() ExecutionView {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := ExecutionView{
		ExecutionID: e.id,
		Phase:       e.phase,
		Progress:    e.progress,
		Complete:    e.phase == ExecCompleted,
		Error:       e.errMsg,
		Steps:       make([]Step, len(e.steps)),
		LogTail:     make([]protocol.LogEntry, len(e.logTail)),
	}
	copy(view.Steps, e.steps)
	copy(view.LogTail, e.logTail)
	if e.data != nil {
		view.Data = make(map[string]any, len(e.data))
		for k, v := range e.data {
			view.Data[k] = v
		}
	}
	return view
}
