package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrStaleSocket   = errors.New("socket stale (liveness window lapsed)")
	ErrAlreadyClosed = errors.New("already closed")
	ErrNoToken       = errors.New("no access token available")
)

// TimestampedMessage wraps raw frame bytes with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a single WebSocket socket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g. wss://app.testbro.dev/realtime)
	Token        string        // Access token sent as Authorization: Bearer
	DialTimeout  time.Duration // Handshake timeout
	PingTimeout  time.Duration // Liveness window; any inbound traffic extends it
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:  10 * time.Second,
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1024,
	}
}

// ManagerConfig configures the connection Manager.
type ManagerConfig struct {
	URL                string        // WebSocket URL of the telemetry server
	DialTimeout        time.Duration // Handshake timeout per attempt
	WriteTimeout       time.Duration // Write deadline for outbound commands
	PingTimeout        time.Duration // Socket staleness threshold
	BufferSize         int           // Inbound frame buffer size
	HeartbeatInterval  time.Duration // Liveness probe interval while connected
	ReconnectBaseDelay time.Duration // Backoff base delay
	ReconnectMaxDelay  time.Duration // Backoff delay ceiling
	MaxReconnects      int           // Automatic attempts before terminal state
	TokenDebounce      time.Duration // Settle window for token-change reconnects
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DialTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingTimeout:        60 * time.Second,
		BufferSize:         1024,
		HeartbeatInterval:  30 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		MaxReconnects:      5,
		TokenDebounce:      500 * time.Millisecond,
	}
}
