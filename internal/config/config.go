// Package config loads the telemetry client configuration from YAML with
// ${VAR} environment expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level telemetry client configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Session    SessionConfig    `yaml:"session"`
	Projection ProjectionConfig `yaml:"projection"`
}

// ServerConfig locates the telemetry server.
type ServerConfig struct {
	URL string `yaml:"url"`
}

// ConnectionConfig tunes the socket and heartbeat.
type ConnectionConfig struct {
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ReconnectConfig tunes the automatic reconnection policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// SessionConfig tunes credential handling.
type SessionConfig struct {
	Token         string        `yaml:"token"` // usually ${TESTBRO_TOKEN}
	TokenDebounce time.Duration `yaml:"token_debounce"`
}

// ProjectionConfig tunes local view retention.
type ProjectionConfig struct {
	MaxLogTail     int `yaml:"max_log_tail"`
	MetricsHistory int `yaml:"metrics_history"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
