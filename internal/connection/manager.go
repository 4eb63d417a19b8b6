package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akkash/testbro-telemetry/internal/dispatch"
	"github.com/akkash/testbro-telemetry/internal/protocol"
	"github.com/akkash/testbro-telemetry/internal/rooms"
	"github.com/akkash/testbro-telemetry/internal/session"
)

// Manager owns the telemetry connection and everything scoped to it: the
// socket, the reconnection policy, the heartbeat monitor, the subscription
// registry, and the event dispatcher.
type Manager interface {
	// Connect establishes the connection using the session provider's
	// current token. It is idempotent: a no-op while connecting or
	// connected. Only this manual path returns errors; automatic retries
	// are silent and observable via State.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and suppresses automatic
	// reconnection. Always safe to call.
	Disconnect()

	// State returns the current connection state snapshot.
	State() State

	// Phase returns the lifecycle phase.
	Phase() Phase

	// OnStateChange registers a state listener and returns its remover.
	OnStateChange(l StateListener) (remove func())

	// On registers an event handler and returns its remover. Registrations
	// are independent; removing one never affects another consumer's.
	On(t protocol.EventType, h dispatch.Handler) (remove func())

	// OffAll clears every handler for an event type.
	OffAll(t protocol.EventType)

	// Subscribe and Unsubscribe manage room interest via the registry.
	Subscribe(kind protocol.RoomKind, id string)
	Unsubscribe(kind protocol.RoomKind, id string)

	// ActiveRooms lists currently subscribed rooms, for diagnostics.
	ActiveRooms() []protocol.Room

	// SendCommand emits a named command if connected; false on drop.
	SendCommand(name string, data any) bool

	// Command emitters for the dashboard views. Each silently drops and
	// returns false while disconnected.
	SendBrowserCommand(sessionID, action string, params map[string]any) bool
	SendRecordingControl(recordingID, action string, params map[string]any) bool
	SendPlaybackControl(playbackID, action string, params map[string]any) bool
	SendReplayControl(executionID, action string, params map[string]any) bool
	UpdateActivity(activity, detail string) bool

	// Stats returns manager and dispatcher counters.
	Stats() ManagerStats
}

// ManagerStats provides diagnostic counters.
type ManagerStats struct {
	FramesReceived  int64
	ProtocolErrors  int64
	DroppedCommands int64
	Dispatch        dispatch.Stats
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	tokens session.Provider
	logger *slog.Logger

	dispatcher *dispatch.Dispatcher
	registry   *rooms.Registry

	mu          sync.Mutex
	phase       Phase
	st          State
	client      Client
	stop        chan struct{} // closed to end the current connection's loops
	manualClose bool
	lastProbe   time.Time

	reconnectTimer *time.Timer
	debounceTimer  *time.Timer

	listeners  map[int]StateListener
	nextListen int

	framesReceived  int64
	protocolErrors  int64
	droppedCommands int64
}

// NewManager creates a connection Manager. If the provider also implements
// session.Watcher, token changes force a debounced reconnect.
func NewManager(cfg ManagerConfig, tokens session.Provider, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:        cfg,
		tokens:     tokens,
		logger:     logger,
		dispatcher: dispatch.New(logger.With("component", "dispatch")),
		listeners:  make(map[int]StateListener),
	}
	m.registry = rooms.NewRegistry(m, logger.With("component", "rooms"))

	if w, ok := tokens.(session.Watcher); ok {
		go m.watchTokens(w.Changes())
	}

	return m
}

// Connect establishes the connection.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseConnecting || m.phase == PhaseConnected {
		m.mu.Unlock()
		return nil
	}

	// A manual connect clears any terminal state and pending retry.
	m.manualClose = false
	m.stopReconnectLocked()
	m.phase = PhaseConnecting
	m.st.Connecting = true
	m.st.Connected = false
	m.st.Error = ""
	st := m.st
	m.mu.Unlock()
	m.emitState(st)

	client, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.phase = PhaseIdle
		m.st.Connecting = false
		m.st.Error = err.Error()
		st := m.st
		m.mu.Unlock()
		m.emitState(st)
		return err
	}

	m.finishConnect(client, true)
	return nil
}

// Disconnect closes the connection. This is the manual path: it cancels any
// pending reconnect timer, stops the heartbeat, and suppresses automatic
// reconnection until the next Connect.
func (m *manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.stopReconnectLocked()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	client := m.client
	m.client = nil
	m.phase = PhaseIdle
	m.st.Connected = false
	m.st.Connecting = false
	st := m.st
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	m.emitState(st)
	m.logger.Info("disconnected")
}

// State returns the current state snapshot.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Phase returns the lifecycle phase.
func (m *manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// OnStateChange registers a state listener.
func (m *manager) OnStateChange(l StateListener) func() {
	m.mu.Lock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// On registers an event handler and returns its remover.
func (m *manager) On(t protocol.EventType, h dispatch.Handler) func() {
	return m.dispatcher.On(t, h)
}

// OffAll clears all handlers for an event type.
func (m *manager) OffAll(t protocol.EventType) {
	m.dispatcher.OffAll(t)
}

// Subscribe adds interest in a room.
func (m *manager) Subscribe(kind protocol.RoomKind, id string) {
	m.registry.Subscribe(kind, id)
}

// Unsubscribe removes interest in a room.
func (m *manager) Unsubscribe(kind protocol.RoomKind, id string) {
	m.registry.Unsubscribe(kind, id)
}

// ActiveRooms lists currently subscribed rooms.
func (m *manager) ActiveRooms() []protocol.Room {
	return m.registry.Active()
}

// Stats returns diagnostic counters.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{
		FramesReceived:  m.framesReceived,
		ProtocolErrors:  m.protocolErrors,
		DroppedCommands: m.droppedCommands,
	}
	m.mu.Unlock()
	stats.Dispatch = m.dispatcher.Stats()
	return stats
}

// dial fetches the current token and opens a new socket.
func (m *manager) dial(ctx context.Context) (Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	token, err := m.tokens.Token(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	if token == "" {
		return nil, ErrNoToken
	}

	client := NewClient(ClientConfig{
		URL:          m.cfg.URL,
		Token:        token,
		DialTimeout:  m.cfg.DialTimeout,
		PingTimeout:  m.cfg.PingTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.BufferSize,
	}, m.logger.With("component", "socket"))

	if err := client.Connect(dialCtx); err != nil {
		return nil, err
	}
	return client, nil
}

// finishConnect installs a freshly dialed client, transitions to connected,
// and starts the per-connection loops. manual marks a caller-initiated
// connect, which resets the reconnect counter.
func (m *manager) finishConnect(client Client, manual bool) {
	m.mu.Lock()
	if m.manualClose {
		// Disconnect raced the dial; discard the socket.
		m.mu.Unlock()
		client.Close()
		return
	}
	m.client = client
	m.phase = PhaseConnected
	m.st.Connected = true
	m.st.Connecting = false
	m.st.Error = ""
	m.st.ConnectionID = uuid.NewString()
	m.st.ConnectedAt = time.Now()
	if manual {
		m.st.ReconnectCount = 0
	}
	m.lastProbe = time.Time{}
	stop := make(chan struct{})
	m.stop = stop
	st := m.st
	m.mu.Unlock()
	m.emitState(st)

	go m.readLoop(client, stop)
	go m.heartbeatLoop(client, stop)

	m.rejoinRooms()

	m.logger.Info("connected",
		"connection_id", st.ConnectionID,
		"reconnect_count", st.ReconnectCount,
	)
}

// rejoinRooms re-emits subscribe commands for every active room. Server-side
// room membership is lost with the socket, so this runs after every
// successful connect.
func (m *manager) rejoinRooms() {
	active := m.registry.Active()
	for _, room := range active {
		m.SendCommand(protocol.CmdSubscribe, protocol.SubscribeData{Room: room.Name()})
	}
	if len(active) > 0 {
		m.logger.Debug("rejoined rooms", "count", len(active))
	}
}

// readLoop consumes frames from one socket and dispatches envelopes in wire
// order. It exits when the socket errors or the connection is torn down.
func (m *manager) readLoop(client Client, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case err := <-client.Errors():
			m.handleDrop(client, err)
			return

		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			m.handleFrame(msg)
		}
	}
}

// handleFrame parses and dispatches one inbound frame. Malformed frames are
// logged and dropped; they never crash the dispatcher.
func (m *manager) handleFrame(msg TimestampedMessage) {
	m.mu.Lock()
	m.framesReceived++
	m.mu.Unlock()

	env, err := protocol.ParseEnvelope(msg.Data)
	if err != nil {
		m.mu.Lock()
		m.protocolErrors++
		m.mu.Unlock()
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if env.Type == protocol.EventHeartbeat {
		m.handleHeartbeat(msg.ReceivedAt)
	}

	m.dispatcher.Dispatch(env)
}

// handleHeartbeat computes round-trip latency against the outstanding probe
// and acknowledges the server. Each probe is consumed by one heartbeat;
// an unmatched heartbeat keeps the previous latency reading.
func (m *manager) handleHeartbeat(receivedAt time.Time) {
	m.mu.Lock()
	if m.lastProbe.IsZero() {
		m.mu.Unlock()
		m.SendCommand(protocol.CmdHeartbeatAck, protocol.HeartbeatData{TS: receivedAt.UnixMilli()})
		return
	}
	m.st.LatencyMS = receivedAt.Sub(m.lastProbe).Milliseconds()
	m.lastProbe = time.Time{}
	st := m.st
	m.mu.Unlock()
	m.emitState(st)

	m.SendCommand(protocol.CmdHeartbeatAck, protocol.HeartbeatData{TS: receivedAt.UnixMilli()})
}

// heartbeatLoop emits liveness probes on a fixed interval while connected.
// The stop channel is closed on any disconnect, so no ticker leaks across
// reconnects.
func (m *manager) heartbeatLoop(client Client, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			m.lastProbe = now
			m.mu.Unlock()

			data, _ := json.Marshal(protocol.Command{
				Name: protocol.CmdHeartbeat,
				Data: protocol.HeartbeatData{TS: now.UnixMilli()},
			})
			if err := client.Send(data); err != nil {
				m.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

// handleDrop reacts to a non-manual connection loss.
func (m *manager) handleDrop(client Client, err error) {
	m.mu.Lock()
	if m.manualClose || m.client != client {
		m.mu.Unlock()
		return
	}
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.client = nil
	m.phase = PhaseReconnecting
	m.st.Connected = false
	m.st.Connecting = false
	m.st.Error = err.Error()
	st := m.st
	m.mu.Unlock()

	client.Close()
	m.emitState(st)
	m.logger.Warn("connection dropped", "error", err)

	m.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. Scheduling while a
// timer is pending is a no-op. After MaxReconnects failed attempts the
// connection is left in a terminal state that only a manual Connect clears.
func (m *manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualClose || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	if m.st.ReconnectCount >= m.cfg.MaxReconnects {
		m.phase = PhaseTerminal
		st := m.st
		m.mu.Unlock()
		m.emitState(st)
		m.logger.Error("reconnect attempts exhausted",
			"attempts", m.cfg.MaxReconnects,
			"last_error", st.Error,
		)
		return
	}

	attempt := m.st.ReconnectCount
	m.st.ReconnectCount++
	delay := backoff{base: m.cfg.ReconnectBaseDelay, max: m.cfg.ReconnectMaxDelay}.delayFor(attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.attemptReconnect)
	st := m.st
	m.mu.Unlock()

	m.emitState(st)
	m.logger.Info("reconnect scheduled",
		"attempt", st.ReconnectCount,
		"max_attempts", m.cfg.MaxReconnects,
		"delay", delay,
	)
}

// attemptReconnect runs one automatic reconnection attempt. Failures are
// silent: they surface only through State and the next scheduled attempt.
func (m *manager) attemptReconnect() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.manualClose || m.phase == PhaseConnected {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseConnecting
	m.st.Connecting = true
	st := m.st
	m.mu.Unlock()
	m.emitState(st)

	client, err := m.dial(context.Background())
	if err != nil {
		m.mu.Lock()
		if m.manualClose {
			m.mu.Unlock()
			return
		}
		m.phase = PhaseReconnecting
		m.st.Connecting = false
		m.st.Error = err.Error()
		st := m.st
		m.mu.Unlock()
		m.emitState(st)
		m.logger.Warn("reconnect attempt failed",
			"attempt", st.ReconnectCount,
			"error", err,
		)
		m.scheduleReconnect()
		return
	}

	m.finishConnect(client, false)
}

// stopReconnectLocked cancels any pending reconnect timer. Caller holds mu.
func (m *manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// watchTokens forces a debounced reconnect whenever the session provider
// signals a token change. A change while disconnected needs no action: the
// next dial reads the fresh token.
func (m *manager) watchTokens(changes <-chan struct{}) {
	for range changes {
		m.mu.Lock()
		if m.debounceTimer != nil {
			m.debounceTimer.Stop()
		}
		m.debounceTimer = time.AfterFunc(m.cfg.TokenDebounce, m.forceReconnect)
		m.mu.Unlock()
	}
}

// forceReconnect tears down the current socket and dials again with the
// fresh token. This is not an error path: State.Error stays clear and the
// reconnect counter is untouched.
func (m *manager) forceReconnect() {
	m.mu.Lock()
	m.debounceTimer = nil
	if m.phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	client := m.client
	m.client = nil
	m.phase = PhaseConnecting
	m.st.Connected = false
	m.st.Connecting = true
	st := m.st
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	m.emitState(st)
	m.logger.Info("token changed, reconnecting")

	fresh, err := m.dial(context.Background())
	if err != nil {
		m.mu.Lock()
		if m.manualClose {
			m.mu.Unlock()
			return
		}
		m.phase = PhaseReconnecting
		m.st.Connecting = false
		m.st.Error = err.Error()
		st := m.st
		m.mu.Unlock()
		m.emitState(st)
		m.scheduleReconnect()
		return
	}

	m.finishConnect(fresh, false)
}

// emitState notifies all registered listeners with a state snapshot.
func (m *manager) emitState(st State) {
	m.mu.Lock()
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(st)
	}
}

// SendCommand emits a named command over the active connection. It returns
// false, never an error, when disconnected or on a write failure.
func (m *manager) SendCommand(name string, data any) bool {
	m.mu.Lock()
	client := m.client
	connected := m.phase == PhaseConnected
	m.mu.Unlock()

	if !connected || client == nil {
		m.mu.Lock()
		m.droppedCommands++
		m.mu.Unlock()
		return false
	}

	payload, err := json.Marshal(protocol.Command{Name: name, Data: data})
	if err != nil {
		m.logger.Error("failed to encode command", "name", name, "error", err)
		return false
	}

	if err := client.Send(payload); err != nil {
		m.mu.Lock()
		m.droppedCommands++
		m.mu.Unlock()
		m.logger.Debug("command send failed", "name", name, "error", err)
		return false
	}
	return true
}

// SendBrowserCommand drives a live browser session.
func (m *manager) SendBrowserCommand(sessionID, action string, params map[string]any) bool {
	return m.SendCommand(protocol.CmdBrowserCommand, protocol.BrowserCommandData{
		SessionID: sessionID,
		Action:    action,
		Params:    params,
	})
}

// SendRecordingControl controls an active recording.
func (m *manager) SendRecordingControl(recordingID, action string, params map[string]any) bool {
	return m.SendCommand(protocol.CmdRecordingControl, protocol.ControlData{
		ID:     recordingID,
		Action: action,
		Params: params,
	})
}

// SendPlaybackControl controls an active playback.
func (m *manager) SendPlaybackControl(playbackID, action string, params map[string]any) bool {
	return m.SendCommand(protocol.CmdPlaybackControl, protocol.ControlData{
		ID:     playbackID,
		Action: action,
		Params: params,
	})
}

// SendReplayControl controls an execution replay.
func (m *manager) SendReplayControl(executionID, action string, params map[string]any) bool {
	return m.SendCommand(protocol.CmdReplayControl, protocol.ControlData{
		ID:     executionID,
		Action: action,
		Params: params,
	})
}

// UpdateActivity reports the local user's dashboard activity for presence.
func (m *manager) UpdateActivity(activity, detail string) bool {
	return m.SendCommand(protocol.CmdActivity, protocol.ActivityData{
		Activity: activity,
		Detail:   detail,
	})
}
