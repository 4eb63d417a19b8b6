package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingTimeout       = 60 * time.Second
	DefaultBufferSize        = 1024
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = 1 * time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultReconnectAttempts = 5
	DefaultTokenDebounce     = 500 * time.Millisecond
	DefaultMaxLogTail        = 1000
	DefaultMetricsHistory    = 60
)

func (c *Config) applyDefaults() {
	if c.Connection.DialTimeout == 0 {
		c.Connection.DialTimeout = DefaultDialTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBase
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMax
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectAttempts
	}

	if c.Session.TokenDebounce == 0 {
		c.Session.TokenDebounce = DefaultTokenDebounce
	}

	if c.Projection.MaxLogTail == 0 {
		c.Projection.MaxLogTail = DefaultMaxLogTail
	}
	if c.Projection.MetricsHistory == 0 {
		c.Projection.MetricsHistory = DefaultMetricsHistory
	}
}
