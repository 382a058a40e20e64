// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable ApplyEnv reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GATEWAY_PORT", "GATEWAY_HOST", "GATEWAY_TOKEN", "GATEWAY_URL",
		"STORAGE_BACKEND", "SUPABASE_URL", "SUPABASE_KEY", "COVEN_RELAY_DB_PATH",
		"ANTHROPIC_API_KEY",
	} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
server:
  host: "127.0.0.1"
  port: 9000
  path: "/ws"
  allowed_origins:
    - "https://chat.example.com"

auth:
  shared_secret: "s3cret"
  allow_jwt: true

storage:
  backend: "sqlite"
  path: "./relay.db"
  timeout: "3s"

router:
  rate_limit: 5
  rate_burst: 10
  dedupe_ttl: "1m"
  ping_interval: "15s"

executor:
  url: "ws://relay:9000/ws"
  heartbeat_interval: "20s"
  reconnect_delay: "1s"
  reconnect_multiplier: 1
  reconnect_max: "30s"

agent:
  provider: "anthropic"
  model: "claude-haiku-4-5"
  tools:
    - name: "search"
      description: "Search the web"
      input_schema:
        type: object

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("Server.Addr() = %q, want 127.0.0.1:9000", cfg.Server.Addr())
	}
	if cfg.Server.Path != "/ws" {
		t.Errorf("Server.Path = %q, want /ws", cfg.Server.Path)
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v, want one entry", cfg.Server.AllowedOrigins)
	}
	if !cfg.Auth.AllowJWT {
		t.Error("Auth.AllowJWT should be true")
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.Timeout != 3*time.Second {
		t.Errorf("Storage = %+v, want sqlite with 3s timeout", cfg.Storage)
	}
	if cfg.Router.DedupeTTL != time.Minute || cfg.Router.PingInterval != 15*time.Second {
		t.Errorf("Router durations = %v/%v", cfg.Router.DedupeTTL, cfg.Router.PingInterval)
	}
	if cfg.Router.MaxMessageBytes != 1<<20 {
		t.Errorf("MaxMessageBytes default lost: %d", cfg.Router.MaxMessageBytes)
	}
	if cfg.Executor.HeartbeatInterval != 20*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 20s", cfg.Executor.HeartbeatInterval)
	}
	if cfg.Executor.AuthTimeout != 10*time.Second {
		t.Errorf("AuthTimeout default lost: %v", cfg.Executor.AuthTimeout)
	}
	if cfg.Executor.Token != "s3cret" {
		t.Errorf("Executor.Token = %q, want shared secret", cfg.Executor.Token)
	}
	if len(cfg.Agent.Tools) != 1 || cfg.Agent.Tools[0].InputSchema["type"] != "object" {
		t.Errorf("Agent.Tools = %+v", cfg.Agent.Tools)
	}
	if cfg.Agent.SystemPrompt != DefaultSystemPrompt {
		t.Error("default system prompt should survive a file without one")
	}
	if cfg.Logging.Format != "json" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Logging/Metrics = %+v %+v", cfg.Logging, cfg.Metrics)
	}
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.toml", `
[server]
port = 18800

[auth]
shared_secret = "toml-secret"

[executor]
reconnect_delay = "2s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 18800 {
		t.Errorf("Port = %d, want 18800", cfg.Server.Port)
	}
	if cfg.Auth.SharedSecret != "toml-secret" {
		t.Errorf("SharedSecret = %q", cfg.Auth.SharedSecret)
	}
	if cfg.Executor.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v, want 2s", cfg.Executor.ReconnectDelay)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_RELAY_SECRET", "expanded-secret")
	path := writeConfig(t, "config.yaml", `
auth:
  shared_secret: "${TEST_RELAY_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.SharedSecret != "expanded-secret" {
		t.Errorf("SharedSecret = %q, want expanded-secret", cfg.Auth.SharedSecret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
auth:
  shared_secret: "x"
executor:
  heartbeat_interval: "soon"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "executor.heartbeat_interval") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_ExecutorOnly(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "executor.yaml", `
executor:
  url: "ws://relay.example:18789"
  token: "node-token"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Executor.Token != "node-token" {
		t.Errorf("Executor.Token = %q, want node-token", cfg.Executor.Token)
	}
	if cfg.Auth.SharedSecret != "" {
		t.Errorf("Auth.SharedSecret = %q, want empty", cfg.Auth.SharedSecret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_PORT", "19000")
	t.Setenv("GATEWAY_TOKEN", "env-token")
	t.Setenv("GATEWAY_URL", "ws://example:19000")
	t.Setenv("SUPABASE_URL", "https://xyz.supabase.co")
	t.Setenv("SUPABASE_KEY", "anon")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Server.Port != 19000 {
		t.Errorf("Port = %d, want 19000", cfg.Server.Port)
	}
	if cfg.Auth.SharedSecret != "env-token" || cfg.Executor.Token != "env-token" {
		t.Errorf("token not applied: %q / %q", cfg.Auth.SharedSecret, cfg.Executor.Token)
	}
	if cfg.Executor.URL != "ws://example:19000" {
		t.Errorf("Executor.URL = %q", cfg.Executor.URL)
	}
	if cfg.Storage.Backend != BackendREST {
		t.Errorf("Storage.Backend = %q, want rest when both Supabase variables are set", cfg.Storage.Backend)
	}
}

func TestApplyEnv_ExplicitBackendWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_TOKEN", "x")
	t.Setenv("SUPABASE_URL", "https://xyz.supabase.co")
	t.Setenv("SUPABASE_KEY", "anon")
	t.Setenv("STORAGE_BACKEND", "memory")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
}

func TestApplyEnv_BadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_PORT", "eighty")
	if err := Default().ApplyEnv(); err == nil {
		t.Error("expected error for non-numeric GATEWAY_PORT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.Auth.SharedSecret = "" }, "shared_secret"},
		{"executor token only", func(c *Config) { c.Auth.SharedSecret = ""; c.Executor.Token = "node-token" }, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"rest without key", func(c *Config) { c.Storage.Backend = BackendREST; c.Storage.URL = "http://x" }, "storage.url"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"multiplier below one", func(c *Config) { c.Executor.ReconnectMultiplier = 0.5 }, "reconnect_multiplier"},
		{"unknown provider", func(c *Config) { c.Agent.Provider = "gpt" }, "agent.provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.SharedSecret = "secret"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
