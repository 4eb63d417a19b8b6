package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akkash/testbro-telemetry/internal/protocol"
	"github.com/akkash/testbro-telemetry/internal/session"
)

// recordedCommand is one decoded outbound command seen by the test server.
type recordedCommand struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// managerServer is a WebSocket server that records upgrades, bearer tokens,
// and every command the client sends.
type managerServer struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	upgrades  int
	tokens    []string
	conns     []*websocket.Conn
	commands  []recordedCommand
	onCommand func(conn *websocket.Conn, cmd recordedCommand)
}

func newManagerServer(t *testing.T) *managerServer {
	s := &managerServer{t: t}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.upgrades++
		s.tokens = append(s.tokens, r.Header.Get("Authorization"))
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd recordedCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			cb := s.onCommand
			s.mu.Unlock()
			if cb != nil {
				cb(conn, cmd)
			}
		}
	}))

	return s
}

func (s *managerServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *managerServer) upgradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

func (s *managerServer) token(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.tokens) {
		return ""
	}
	return s.tokens[i]
}

func (s *managerServer) countCommands(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cmd := range s.commands {
		if cmd.Name == name {
			n++
		}
	}
	return n
}

func (s *managerServer) lastCommand(name string) (recordedCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.commands) - 1; i >= 0; i-- {
		if s.commands[i].Name == name {
			return s.commands[i], true
		}
	}
	return recordedCommand{}, false
}

// dropConns closes every established connection, simulating a network drop.
func (s *managerServer) dropConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *managerServer) close() {
	s.srv.CloseClientConnections()
	s.srv.Close()
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.BufferSize = 64
	cfg.HeartbeatInterval = time.Hour // off unless a test tightens it
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond
	cfg.MaxReconnects = 3
	cfg.TokenDebounce = 10 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestManager_ConnectIdempotent(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	mgr := NewManager(testManagerConfig(server.url()), session.Static("tok"), quietLogger())
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	// Second call while connected is a no-op.
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := server.upgradeCount(); got != 1 {
		t.Errorf("upgrades = %d, want 1", got)
	}

	st := mgr.State()
	if !st.Connected || st.Connecting {
		t.Errorf("state = %+v, want connected", st)
	}
	if st.ConnectionID == "" {
		t.Error("ConnectionID should be set")
	}
	if st.ConnectedAt.IsZero() {
		t.Error("ConnectedAt should be set")
	}
	if st.ReconnectCount != 0 {
		t.Errorf("ReconnectCount = %d, want 0", st.ReconnectCount)
	}
}

func TestManager_ConnectRequiresToken(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	mgr := NewManager(testManagerConfig(server.url()), session.Static(""), quietLogger())

	err := mgr.Connect(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("Connect error = %v, want ErrNoToken", err)
	}

	st := mgr.State()
	if st.Connected || st.Connecting {
		t.Errorf("state = %+v, want disconnected", st)
	}
	if st.Error == "" {
		t.Error("state error should be recorded")
	}
	if server.upgradeCount() != 0 {
		t.Error("no upgrade should have happened")
	}
}

func TestManager_ManualDisconnectSuppressesRetry(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	mgr := NewManager(testManagerConfig(server.url()), session.Static("tok"), quietLogger())

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	mgr.Disconnect()

	// Well past several backoff windows: no reconnect may be scheduled.
	time.Sleep(150 * time.Millisecond)

	st := mgr.State()
	if st.Connected || st.Connecting {
		t.Errorf("state = %+v, want idle after manual disconnect", st)
	}
	if mgr.Phase() != PhaseIdle {
		t.Errorf("phase = %v, want idle", mgr.Phase())
	}
	if got := server.upgradeCount(); got != 1 {
		t.Errorf("upgrades = %d, want 1 (no automatic reconnect)", got)
	}
}

func TestManager_DropReconnectsAndRejoinsRooms(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	mgr := NewManager(testManagerConfig(server.url()), session.Static("tok"), quietLogger())
	defer mgr.Disconnect()

	// Interest registered before connect: the join happens at connect time.
	mgr.Subscribe(protocol.RoomExecution, "E1")

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return server.countCommands(protocol.CmdSubscribe) == 1
	}, "initial subscribe")

	server.dropConns()

	// Server-side room state is lost with the socket; a fresh subscribe for
	// E1 must be emitted on the new connection.
	waitFor(t, 2*time.Second, func() bool {
		return server.upgradeCount() == 2 && server.countCommands(protocol.CmdSubscribe) == 2
	}, "reconnect and resubscribe")

	cmd, ok := server.lastCommand(protocol.CmdSubscribe)
	if !ok {
		t.Fatal("no subscribe command recorded")
	}
	var data protocol.SubscribeData
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		t.Fatalf("bad subscribe data: %v", err)
	}
	if data.Room != "execution:E1" {
		t.Errorf("room = %q, want execution:E1", data.Room)
	}

	waitFor(t, time.Second, func() bool { return mgr.State().Connected }, "reconnected state")
	if got := mgr.State().ReconnectCount; got != 1 {
		t.Errorf("ReconnectCount = %d, want 1", got)
	}
}

func TestManager_ReconnectExhaustionIsTerminal(t *testing.T) {
	server := newManagerServer(t)

	cfg := testManagerConfig(server.url())
	cfg.MaxReconnects = 2
	cfg.DialTimeout = 200 * time.Millisecond

	mgr := NewManager(cfg, session.Static("tok"), quietLogger())
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Take the server away entirely: every retry dial fails.
	server.close()

	waitFor(t, 5*time.Second, func() bool {
		return mgr.Phase() == PhaseTerminal
	}, "terminal phase")

	st := mgr.State()
	if st.Connected || st.Connecting {
		t.Errorf("state = %+v, want disconnected", st)
	}
	if st.ReconnectCount != 2 {
		t.Errorf("ReconnectCount = %d, want 2", st.ReconnectCount)
	}
	if st.Error == "" {
		t.Error("last error should remain visible in terminal state")
	}
}

func TestManager_HeartbeatLatencyAndAck(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	server.onCommand = func(conn *websocket.Conn, cmd recordedCommand) {
		if cmd.Name != protocol.CmdHeartbeat {
			return
		}
		time.Sleep(5 * time.Millisecond)
		conn.WriteJSON(map[string]any{
			"type":      "heartbeat",
			"payload":   map[string]any{"ts": time.Now().UnixMilli()},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}

	cfg := testManagerConfig(server.url())
	cfg.HeartbeatInterval = 30 * time.Millisecond

	mgr := NewManager(cfg, session.Static("tok"), quietLogger())
	defer mgr.Disconnect()

	var heartbeats int64
	var mu sync.Mutex
	mgr.On(protocol.EventHeartbeat, func(env *protocol.Envelope) {
		mu.Lock()
		heartbeats++
		mu.Unlock()
	})

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return server.countCommands(protocol.CmdHeartbeatAck) >= 1
	}, "heartbeat ack")

	if got := mgr.State().LatencyMS; got < 1 {
		t.Errorf("LatencyMS = %d, want >= 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if heartbeats < 1 {
		t.Error("heartbeat envelope should also reach the dispatcher")
	}
}

func TestManager_HeartbeatMatchesSingleProbe(t *testing.T) {
	mgr := NewManager(testManagerConfig("ws://localhost:12345"), session.Static("tok"), quietLogger()).(*manager)

	probe := time.Now().Add(-20 * time.Millisecond)
	mgr.mu.Lock()
	mgr.lastProbe = probe
	mgr.mu.Unlock()

	mgr.handleHeartbeat(time.Now())
	first := mgr.State().LatencyMS
	if first < 20 || first > 1000 {
		t.Fatalf("LatencyMS = %d, want roughly the probe round trip", first)
	}

	// A second heartbeat with no probe outstanding must not recompute
	// latency from the consumed probe timestamp.
	mgr.handleHeartbeat(time.Now().Add(500 * time.Millisecond))
	if got := mgr.State().LatencyMS; got != first {
		t.Errorf("LatencyMS = %d after unmatched heartbeat, want %d unchanged", got, first)
	}
}

func TestManager_CommandsWhileDisconnected(t *testing.T) {
	mgr := NewManager(testManagerConfig("ws://localhost:12345"), session.Static("tok"), quietLogger())

	if mgr.SendBrowserCommand("s1", "click", nil) {
		t.Error("SendBrowserCommand should return false while disconnected")
	}
	if mgr.SendRecordingControl("r1", "stop", nil) {
		t.Error("SendRecordingControl should return false while disconnected")
	}
	if mgr.SendPlaybackControl("p1", "pause", nil) {
		t.Error("SendPlaybackControl should return false while disconnected")
	}
	if mgr.SendReplayControl("e1", "seek", map[string]any{"position": 3}) {
		t.Error("SendReplayControl should return false while disconnected")
	}
	if mgr.UpdateActivity("viewing", "e1") {
		t.Error("UpdateActivity should return false while disconnected")
	}

	if got := mgr.Stats().DroppedCommands; got != 5 {
		t.Errorf("DroppedCommands = %d, want 5", got)
	}
}

func TestManager_CommandsWhenConnected(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	mgr := NewManager(testManagerConfig(server.url()), session.Static("tok"), quietLogger())
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !mgr.SendBrowserCommand("s1", "click", map[string]any{"selector": "#run"}) {
		t.Error("SendBrowserCommand should return true while connected")
	}
	if !mgr.UpdateActivity("editing", "test-42") {
		t.Error("UpdateActivity should return true while connected")
	}

	waitFor(t, time.Second, func() bool {
		return server.countCommands(protocol.CmdBrowserCommand) == 1 &&
			server.countCommands(protocol.CmdActivity) == 1
	}, "commands on the wire")

	cmd, _ := server.lastCommand(protocol.CmdBrowserCommand)
	var data protocol.BrowserCommandData
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		t.Fatalf("bad browser command data: %v", err)
	}
	if data.SessionID != "s1" || data.Action != "click" {
		t.Errorf("browser command = %+v, want session s1 action click", data)
	}
}

func TestManager_TokenChangeForcesReconnect(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	tokens := session.NewStore("tok-a")
	mgr := NewManager(testManagerConfig(server.url()), tokens, quietLogger())
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := server.token(0); got != "Bearer tok-a" {
		t.Fatalf("first token = %q, want Bearer tok-a", got)
	}

	tokens.SetToken("tok-b")

	waitFor(t, 2*time.Second, func() bool {
		return server.upgradeCount() == 2 && mgr.State().Connected
	}, "reconnect with fresh token")

	if got := server.token(1); got != "Bearer tok-b" {
		t.Errorf("second token = %q, want Bearer tok-b", got)
	}

	// A forced reconnect is not an error and not a retry.
	st := mgr.State()
	if st.Error != "" {
		t.Errorf("state error = %q, want empty", st.Error)
	}
	if st.ReconnectCount != 0 {
		t.Errorf("ReconnectCount = %d, want 0", st.ReconnectCount)
	}
}

func TestManager_StateListeners(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	mgr := NewManager(testManagerConfig(server.url()), session.Static("tok"), quietLogger())
	defer mgr.Disconnect()

	var mu sync.Mutex
	var states []State
	remove := mgr.OnStateChange(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	mu.Lock()
	var sawConnecting, sawConnected bool
	for _, st := range states {
		if st.Connecting && st.Connected {
			t.Error("connecting and connected must never both be true")
		}
		if st.Connecting {
			sawConnecting = true
		}
		if st.Connected {
			sawConnected = true
		}
	}
	seen := len(states)
	mu.Unlock()

	if !sawConnecting || !sawConnected {
		t.Errorf("transitions missing: connecting=%v connected=%v", sawConnecting, sawConnected)
	}

	remove()
	mgr.Disconnect()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(states) != seen {
		t.Errorf("removed listener still invoked: %d -> %d states", seen, len(states))
	}
}

func TestManager_MalformedFrameCounted(t *testing.T) {
	server := newManagerServer(t)
	defer server.close()

	mgr := NewManager(testManagerConfig(server.url()), session.Static("tok"), quietLogger())
	defer mgr.Disconnect()

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	server.mu.Lock()
	conn := server.conns[0]
	server.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)) // missing type

	waitFor(t, time.Second, func() bool {
		return mgr.Stats().ProtocolErrors == 2
	}, "protocol error counter")

	if !mgr.State().Connected {
		t.Error("malformed frames must not drop the connection")
	}
}
