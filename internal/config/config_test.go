package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  url: wss://testbro.example.com/ws
connection:
  dial_timeout: 3s
  buffer_size: 256
reconnect:
  base_delay: 2s
  max_delay: 20s
  max_attempts: 8
session:
  token: tok-abc
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.URL != "wss://testbro.example.com/ws" {
		t.Errorf("url = %q", cfg.Server.URL)
	}
	if cfg.Connection.DialTimeout != 3*time.Second {
		t.Errorf("dial_timeout = %v, want 3s", cfg.Connection.DialTimeout)
	}
	if cfg.Reconnect.MaxAttempts != 8 {
		t.Errorf("max_attempts = %d, want 8", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Session.Token != "tok-abc" {
		t.Errorf("token = %q, want tok-abc", cfg.Session.Token)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TESTBRO_TOKEN", "tok-from-env")

	path := writeConfig(t, `
server:
  url: wss://testbro.example.com/ws
session:
  token: ${TESTBRO_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.Token != "tok-from-env" {
		t.Errorf("token = %q, want tok-from-env", cfg.Session.Token)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  url: ws://localhost:3001/ws
`)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Connection.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("heartbeat_interval = %v, want default %v",
			cfg.Connection.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.Reconnect.BaseDelay != DefaultReconnectBase {
		t.Errorf("base_delay = %v, want default %v", cfg.Reconnect.BaseDelay, DefaultReconnectBase)
	}
	if cfg.Reconnect.MaxAttempts != DefaultReconnectAttempts {
		t.Errorf("max_attempts = %d, want default %d", cfg.Reconnect.MaxAttempts, DefaultReconnectAttempts)
	}
	if cfg.Session.TokenDebounce != DefaultTokenDebounce {
		t.Errorf("token_debounce = %v, want default %v", cfg.Session.TokenDebounce, DefaultTokenDebounce)
	}
	if cfg.Projection.MaxLogTail != DefaultMaxLogTail {
		t.Errorf("max_log_tail = %d, want default %d", cfg.Projection.MaxLogTail, DefaultMaxLogTail)
	}

	// Explicit values survive default application.
	path = writeConfig(t, `
server:
  url: ws://localhost:3001/ws
reconnect:
  max_attempts: 2
`)
	cfg, err = LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Reconnect.MaxAttempts != 2 {
		t.Errorf("max_attempts = %d, want 2", cfg.Reconnect.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Server.URL = "wss://testbro.example.com/ws"
		cfg.applyDefaults()
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.Server.URL = "" },
			wantErr: "server.url",
		},
		{
			name:    "http url",
			mutate:  func(c *Config) { c.Server.URL = "https://testbro.example.com" },
			wantErr: "ws://",
		},
		{
			name:    "zero buffer",
			mutate:  func(c *Config) { c.Connection.BufferSize = -1 },
			wantErr: "buffer_size",
		},
		{
			name:    "max below base",
			mutate:  func(c *Config) { c.Reconnect.MaxDelay = 500 * time.Millisecond },
			wantErr: "max_delay",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Reconnect.MaxAttempts = -1 },
			wantErr: "max_attempts",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
server:
  url: ws://localhost:3001/ws
`)
	if _, err := LoadAndValidate(path); err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	path = writeConfig(t, `
connection:
  buffer_size: 64
`)
	if _, err := LoadAndValidate(path); err == nil {
		t.Error("expected a validation error without server.url")
	}
}
