package connection

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a single WebSocket connection to the telemetry server.
type Client interface {
	// Connect performs the handshake and starts the read and ping loops.
	Connect(ctx context.Context) error

	// Close sends a close frame and tears the connection down. Safe to
	// call more than once.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages returns the inbound frame channel, each frame carrying a
	// local receive timestamp. Frame order matches wire order.
	Messages() <-chan TimestampedMessage

	// Errors returns a channel carrying the first fatal connection error.
	Errors() <-chan error

	// IsConnected reports whether the socket is currently usable.
	IsConnected() bool
}

// client implements Client. Liveness rides on the read deadline: every
// inbound frame, pong, or server ping pushes it forward, and a socket quiet
// for PingTimeout fails the next read with a timeout that surfaces as
// ErrStaleSocket. The ping loop exists only to provoke that traffic.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	frames chan TimestampedMessage
	errs   chan error
	done   chan struct{}

	writeMu sync.Mutex // serializes Send; control frames have their own lock

	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	closed bool
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		cfg:    cfg,
		logger: logger,
		frames: make(chan TimestampedMessage, cfg.BufferSize),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect performs the handshake with bearer authentication.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		return c.extendDeadline(conn)
	})
	conn.SetPingHandler(func(data string) error {
		c.extendDeadline(conn)
		return conn.WriteControl(websocket.PongMessage, []byte(data),
			time.Now().Add(c.cfg.WriteTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	go c.readFrames(conn)
	go c.pingLoop(conn)

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

// extendDeadline pushes the liveness window forward. A non-positive
// PingTimeout disables staleness detection.
func (c *client) extendDeadline(conn *websocket.Conn) error {
	if c.cfg.PingTimeout <= 0 {
		return nil
	}
	return conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
}

// Close sends a close frame and tears the connection down.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

// Send writes one text frame.
func (c *client) Send(data []byte) error {
	c.mu.Lock()
	conn, open := c.conn, c.open
	c.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the inbound frame channel.
func (c *client) Messages() <-chan TimestampedMessage {
	return c.frames
}

// Errors returns the fatal error channel.
func (c *client) Errors() <-chan error {
	return c.errs
}

// IsConnected reports whether the socket is currently usable.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// readFrames pumps inbound frames in wire order until the first read error.
func (c *client) readFrames(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.reportError(err)
			return
		}
		c.extendDeadline(conn)

		msg := TimestampedMessage{Data: data, ReceivedAt: time.Now()}
		select {
		case c.frames <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warn("frame buffer full, dropping frame")
		}
	}
}

// reportError surfaces the first fatal error unless the client was closed
// locally. A read timeout means the liveness window lapsed.
func (c *client) reportError(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		err = ErrStaleSocket
	}

	select {
	case c.errs <- err:
	default:
	}
}

// pingLoop provokes traffic on an idle socket so a healthy peer's pongs keep
// extending the read deadline.
func (c *client) pingLoop(conn *websocket.Conn) {
	period := c.cfg.PingTimeout * 9 / 10
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping write failed", "error", err)
				return
			}
		}
	}
}
