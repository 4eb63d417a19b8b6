package projection

import (
	"log/slog"
	"sync"

	"github.com/akkash/testbro-telemetry/internal/protocol"
)

// Store owns the projections for one consumer: execution projections keyed
// by execution id plus the shared presence and metrics views. Register
// HandleEvent with the dispatcher for the event types the consumer renders.
type Store struct {
	logger     *slog.Logger
	maxLogTail int

	mu    sync.Mutex
	execs map[string]*Execution

	presence *Presence
	metrics  *Metrics
}

// NewStore creates an empty Store. maxLogTail bounds per-execution log
// retention; zero means DefaultMaxLogTail.
func NewStore(maxLogTail int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:     logger,
		maxLogTail: maxLogTail,
		execs:      make(map[string]*Execution),
		presence:   NewPresence(logger),
		metrics:    NewMetrics(0, logger),
	}
}

// HandleEvent folds one envelope into the matching projection. Execution
// projections are created on the first event carrying a new execution id.
func (s *Store) HandleEvent(env *protocol.Envelope) {
	switch env.Type {
	case protocol.EventPresence:
		s.presence.Apply(env)
	case protocol.EventSystemMetrics:
		s.metrics.Apply(env)
	case protocol.EventExecutionStart,
		protocol.EventExecutionProgress,
		protocol.EventStepStart,
		protocol.EventStepComplete,
		protocol.EventExecutionComplete,
		protocol.EventError,
		protocol.EventLog:
		if env.ExecutionID == "" {
			return
		}
		s.Execution(env.ExecutionID).Apply(env)
	}
}

// Execution returns the projection for an execution id, creating it on
// first use.
func (s *Store) Execution(id string) *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.execs[id]
	if !ok {
		exec = NewExecution(id, s.maxLogTail, s.logger)
		s.execs[id] = exec
	}
	return exec
}

// Discard drops the projection for an execution id. Called when the
// consumer unsubscribes; the state is purely local.
func (s *Store) Discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, id)
}

// Executions lists the ids with live projections.
func (s *Store) Executions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.execs))
	for id := range s.execs {
		ids = append(ids, id)
	}
	return ids
}

// Presence returns the shared presence view.
func (s *Store) Presence() *Presence { return s.presence }

// Metrics returns the shared system-metrics view.
func (s *Store) Metrics() *Metrics { return s.metrics }
