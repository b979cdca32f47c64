// ABOUTME: Configuration loading and parsing for wa-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete wa-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Auth        AuthConfig        `yaml:"auth"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Forwarding  ForwardingConfig  `yaml:"forwarding"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CredentialsConfig locates the per-tenant device credential directories
type CredentialsConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SessionsConfig holds session lifecycle timing configuration
type SessionsConfig struct {
	PairingWait    time.Duration `yaml:"-"`
	ReconnectDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PairingWaitRaw    string `yaml:"pairing_wait"`
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
}

// ForwardingConfig holds webhook delivery configuration
type ForwardingConfig struct {
	// Source tags every outbound payload with this gateway's identity
	Source      string `yaml:"source"`
	FallbackURL string `yaml:"fallback_url"`

	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale carries the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Credentials.Dir == "" {
		return fmt.Errorf("credentials.dir is required")
	}

	if c.Forwarding.Source == "" {
		return fmt.Errorf("forwarding.source is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.PairingWaitRaw != "" {
		cfg.Sessions.PairingWait, err = time.ParseDuration(cfg.Sessions.PairingWaitRaw)
		if err != nil {
			return fmt.Errorf("parsing pairing_wait %q: %w", cfg.Sessions.PairingWaitRaw, err)
		}
	}

	if cfg.Sessions.ReconnectDelayRaw != "" {
		cfg.Sessions.ReconnectDelay, err = time.ParseDuration(cfg.Sessions.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay %q: %w", cfg.Sessions.ReconnectDelayRaw, err)
		}
	}

	if cfg.Forwarding.TimeoutRaw != "" {
		cfg.Forwarding.Timeout, err = time.ParseDuration(cfg.Forwarding.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing forwarding timeout %q: %w", cfg.Forwarding.TimeoutRaw, err)
		}
	}

	return nil
}
