package projection

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/akkash/testbro-telemetry/internal/protocol"
)

// DefaultMetricsHistory bounds the retained sample window.
const DefaultMetricsHistory = 60

// Metrics holds the latest system-metrics sample and a bounded history for
// the dashboard's sparkline charts.
type Metrics struct {
	logger *slog.Logger

	mu      sync.Mutex
	latest  protocol.SystemMetricsPayload
	seen    bool
	history []protocol.SystemMetricsPayload
	maxHist int
}

// NewMetrics creates a metrics view retaining up to maxHistory samples;
// zero means DefaultMetricsHistory.
func NewMetrics(maxHistory int, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMetricsHistory
	}
	return &Metrics{
		logger:  logger,
		maxHist: maxHistory,
	}
}

// Apply folds one system_metrics envelope.
func (m *Metrics) Apply(env *protocol.Envelope) {
	if env.Type != protocol.EventSystemMetrics {
		return
	}

	var sample protocol.SystemMetricsPayload
	if err := json.Unmarshal(env.Payload, &sample); err != nil {
		m.logger.Warn("bad system_metrics payload", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = sample
	m.seen = true
	m.history = append(m.history, sample)
	if len(m.history) > m.maxHist {
		m.history = m.history[len(m.history)-m.maxHist:]
	}
}

// Latest returns the most recent sample; ok is false before the first one.
func (m *Metrics) Latest() (sample protocol.SystemMetricsPayload, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.seen
}

// History returns a copy of the retained sample window, oldest first.
func (m *Metrics) History() []protocol.SystemMetricsPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.SystemMetricsPayload, len(m.history))
	copy(out, m.history)
	return out
}
