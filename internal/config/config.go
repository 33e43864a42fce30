// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultPingInterval     = 30 * time.Second
	DefaultPongTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultMaxMessageBytes  = 64 * 1024
	DefaultDedupeTTL        = 5 * time.Minute
	DefaultDedupeMaxEntries = 100_000
	DefaultMetricsPath      = "/metrics"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Commands  CommandsConfig  `yaml:"commands" toml:"commands"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	AgentAddr string `yaml:"agent_addr" toml:"agent_addr"` // WebSocket listener for agents
	HTTPAddr  string `yaml:"http_addr" toml:"http_addr"`   // command ingress and API
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve the HTTP API on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose the HTTP API publicly (implies HTTPS)
}

// DatabaseConfig holds the audit database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds producer authentication configuration.
// An empty JWTSecret leaves the command ingress unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentsConfig holds agent connection settings
type AgentsConfig struct {
	PingInterval    time.Duration `yaml:"-" toml:"-"`
	PongTimeout     time.Duration `yaml:"-" toml:"-"`
	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" toml:"max_message_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins" toml:"allowed_origins"`

	// Raw string values for unmarshaling
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeoutRaw  string `yaml:"pong_timeout" toml:"pong_timeout"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// CommandsConfig holds command ingress settings
type CommandsConfig struct {
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`
	DedupeMaxEntries int           `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration. The endpoint is off
// unless enabled is set.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills in zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.Agents.PingInterval == 0 {
		c.Agents.PingInterval = DefaultPingInterval
	}
	if c.Agents.PongTimeout == 0 {
		c.Agents.PongTimeout = DefaultPongTimeout
	}
	if c.Agents.WriteTimeout == 0 {
		c.Agents.WriteTimeout = DefaultWriteTimeout
	}
	if c.Agents.MaxMessageBytes == 0 {
		c.Agents.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Commands.DedupeTTL == 0 {
		c.Commands.DedupeTTL = DefaultDedupeTTL
	}
	if c.Commands.DedupeMaxEntries == 0 {
		c.Commands.DedupeMaxEntries = DefaultDedupeMaxEntries
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Listener addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.AgentAddr == "" {
			return fmt.Errorf("server.agent_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.PingInterval >= c.Agents.PongTimeout {
		return fmt.Errorf("agents.ping_interval (%s) must be shorter than agents.pong_timeout (%s)",
			c.Agents.PingInterval, c.Agents.PongTimeout)
	}

	if c.Agents.MaxMessageBytes < 0 {
		return fmt.Errorf("agents.max_message_bytes must not be negative")
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
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
		{"agents.ping_interval", cfg.Agents.PingIntervalRaw, &cfg.Agents.PingInterval},
		{"agents.pong_timeout", cfg.Agents.PongTimeoutRaw, &cfg.Agents.PongTimeout},
		{"agents.write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
		{"commands.dedupe_ttl", cfg.Commands.DedupeTTLRaw, &cfg.Commands.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
