// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Router    RouterConfig    `yaml:"router" toml:"router"`
	Executor  ExecutorConfig  `yaml:"executor" toml:"executor"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the relay listener configuration
type ServerConfig struct {
	Host           string   `yaml:"host" toml:"host"`
	Port           int      `yaml:"port" toml:"port"`
	Path           string   `yaml:"path" toml:"path"`                       // websocket endpoint
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // empty allows any origin
}

// Addr returns the host:port the relay listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// AuthConfig holds the shared secret every peer must present
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret" toml:"shared_secret"`
	// AllowJWT also accepts HS256 tokens signed with SharedSecret.
	AllowJWT bool `yaml:"allow_jwt" toml:"allow_jwt"`
}

// Storage backends accepted by StorageConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendREST     = "rest"
	BackendSupabase = "supabase"
)

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"` // sqlite
	URL     string `yaml:"url" toml:"url"`   // rest
	Key     string `yaml:"key" toml:"key"`   // rest

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// RouterConfig holds per-connection limits for the relay
type RouterConfig struct {
	MaxMessageBytes int64   `yaml:"max_message_bytes" toml:"max_message_bytes"`
	RateLimit       float64 `yaml:"rate_limit" toml:"rate_limit"` // frames per second, 0 disables
	RateBurst       int     `yaml:"rate_burst" toml:"rate_burst"`
	DedupeMax       int     `yaml:"dedupe_max" toml:"dedupe_max"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// ExecutorConfig holds the node client's connection settings
type ExecutorConfig struct {
	URL                 string  `yaml:"url" toml:"url"`
	Token               string  `yaml:"token" toml:"token"` // defaults to auth.shared_secret
	ReconnectMultiplier float64 `yaml:"reconnect_multiplier" toml:"reconnect_multiplier"`
	QueueSize           int     `yaml:"queue_size" toml:"queue_size"`

	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	PongTimeout       time.Duration `yaml:"-" toml:"-"`
	AuthTimeout       time.Duration `yaml:"-" toml:"-"`
	ReconnectDelay    time.Duration `yaml:"-" toml:"-"`
	ReconnectMax      time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	PongTimeoutRaw       string `yaml:"pong_timeout" toml:"pong_timeout"`
	AuthTimeoutRaw       string `yaml:"auth_timeout" toml:"auth_timeout"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	ReconnectMaxRaw      string `yaml:"reconnect_max" toml:"reconnect_max"`
}

// ToolConfig declares a tool the agent may call. The channel side runs it.
type ToolConfig struct {
	Name        string         `yaml:"name" toml:"name"`
	Description string         `yaml:"description" toml:"description"`
	InputSchema map[string]any `yaml:"input_schema" toml:"input_schema"`
}

// AgentConfig selects the agent the executor drives
type AgentConfig struct {
	Provider     string       `yaml:"provider" toml:"provider"` // echo | anthropic
	Model        string       `yaml:"model" toml:"model"`
	APIKey       string       `yaml:"api_key" toml:"api_key"`
	BaseURL      string       `yaml:"base_url" toml:"base_url"`
	MaxTokens    int64        `yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt string       `yaml:"system_prompt" toml:"system_prompt"`
	Tools        []ToolConfig `yaml:"tools" toml:"tools"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultSystemPrompt is used when agent.system_prompt is empty.
const DefaultSystemPrompt = "You are an autonomous AI agent. Execute tasks accurately. Use tools when necessary. If you need more information, ask the user."

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18789,
			Path: "/",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Path:    "./coven-relay.db",
			Timeout: 10 * time.Second,
		},
		Router: RouterConfig{
			MaxMessageBytes: 1 << 20,
			RateLimit:       50,
			RateBurst:       100,
			DedupeMax:       10000,
			DedupeTTL:       5 * time.Minute,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Executor: ExecutorConfig{
			URL:                 "ws://localhost:18789",
			ReconnectMultiplier: 2,
			QueueSize:           64,
			HeartbeatInterval:   30 * time.Second,
			AuthTimeout:         10 * time.Second,
			ReconnectDelay:      5 * time.Second,
			ReconnectMax:        60 * time.Second,
		},
		Agent: AgentConfig{
			Provider:     "echo",
			Model:        "claude-sonnet-4-5",
			MaxTokens:    4096,
			SystemPrompt: DefaultSystemPrompt,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads a configuration file on top of Default and returns the result.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded and the
// GATEWAY_* style overrides are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a configuration from Default and the environment only.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyEnv overrides configuration values from well-known environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GATEWAY_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
		c.Auth.SharedSecret = v
		c.Executor.Token = v
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		c.Executor.URL = v
	}

	supabaseURL, supabaseKey := os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_KEY")
	if supabaseURL != "" {
		c.Storage.URL = supabaseURL
	}
	if supabaseKey != "" {
		c.Storage.Key = supabaseKey
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	} else if supabaseURL != "" && supabaseKey != "" {
		c.Storage.Backend = BackendREST
	}
	if v := os.Getenv("COVEN_RELAY_DB_PATH"); v != "" {
		c.Storage.Path = v
	}

	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Agent.APIKey == "" {
		c.Agent.APIKey = v
	}

	if c.Executor.Token == "" {
		c.Executor.Token = c.Auth.SharedSecret
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port %d is out of range (or enable tailscale)", c.Server.Port)
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}

	// The relay checks for its secret at startup; an executor-only file
	// needs just its token.
	if c.Auth.SharedSecret == "" && c.Executor.Token == "" {
		return fmt.Errorf("auth.shared_secret or executor.token is required (or set GATEWAY_TOKEN)")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case BackendREST, BackendSupabase:
		if c.Storage.URL == "" || c.Storage.Key == "" {
			return fmt.Errorf("storage.url and storage.key are required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, sqlite, rest, supabase", c.Storage.Backend)
	}

	if c.Executor.ReconnectMultiplier < 1 {
		return fmt.Errorf("executor.reconnect_multiplier must be at least 1")
	}
	if c.Executor.ReconnectDelay <= 0 {
		return fmt.Errorf("executor.reconnect_delay must be positive")
	}

	switch c.Agent.Provider {
	case "echo", "anthropic":
	default:
		return fmt.Errorf("agent.provider %q is not one of echo, anthropic", c.Agent.Provider)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"storage.timeout", cfg.Storage.TimeoutRaw, &cfg.Storage.Timeout},
		{"router.dedupe_ttl", cfg.Router.DedupeTTLRaw, &cfg.Router.DedupeTTL},
		{"router.ping_interval", cfg.Router.PingIntervalRaw, &cfg.Router.PingInterval},
		{"router.write_timeout", cfg.Router.WriteTimeoutRaw, &cfg.Router.WriteTimeout},
		{"executor.heartbeat_interval", cfg.Executor.HeartbeatIntervalRaw, &cfg.Executor.HeartbeatInterval},
		{"executor.pong_timeout", cfg.Executor.PongTimeoutRaw, &cfg.Executor.PongTimeout},
		{"executor.auth_timeout", cfg.Executor.AuthTimeoutRaw, &cfg.Executor.AuthTimeout},
		{"executor.reconnect_delay", cfg.Executor.ReconnectDelayRaw, &cfg.Executor.ReconnectDelay},
		{"executor.reconnect_max", cfg.Executor.ReconnectMaxRaw, &cfg.Executor.ReconnectMax},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
