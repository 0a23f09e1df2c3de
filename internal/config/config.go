// ABOUTME: Configuration loading and parsing for hearth-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listen address configuration
type ServerConfig struct {
	// Addr serves both the websocket endpoint (/ws) and the health API
	Addr string `yaml:"addr"`
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

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// Secret is the shared credential accepted by auth.authenticate
	Secret string `yaml:"secret"`
	// JWTSecret signs device tokens minted when pairing completes
	JWTSecret string `yaml:"jwt_secret"`
	// ProfilesPath points at the TOML file mapping credentials to permission sets
	ProfilesPath string `yaml:"profiles_path"`

	PairingExpiry    time.Duration `yaml:"-"`
	PairingExpiryRaw string        `yaml:"pairing_expiry"`
	// PairingCodeLength bounds pairing code entropy (digits)
	PairingCodeLength int `yaml:"pairing_code_length"`
}

// LimitsConfig holds per-connection resource limits
type LimitsConfig struct {
	// OutboundQueue is the bounded event queue size per connection
	OutboundQueue int `yaml:"outbound_queue"`
	// MaxFrameBytes caps inbound frame size; larger frames are a protocol error
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	HandshakeTimeout  time.Duration `yaml:"-"`
	SlowConsumerGrace time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`

	HandshakeTimeoutRaw  string `yaml:"handshake_timeout"`
	SlowConsumerGraceRaw string `yaml:"slow_consumer_grace"`
	IdleTimeoutRaw       string `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied by Parse when fields are unset.
const (
	DefaultOutboundQueue     = 64
	DefaultMaxFrameBytes     = 1 << 20
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultSlowConsumerGrace = 2 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultPairingExpiry     = 2 * time.Minute
	DefaultPairingCodeLength = 8
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes, expanding env vars, parsing
// durations, applying defaults, and validating.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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

func (c *Config) applyDefaults() {
	if c.Limits.OutboundQueue == 0 {
		c.Limits.OutboundQueue = DefaultOutboundQueue
	}
	if c.Limits.MaxFrameBytes == 0 {
		c.Limits.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Limits.HandshakeTimeout == 0 {
		c.Limits.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Limits.SlowConsumerGrace == 0 {
		c.Limits.SlowConsumerGrace = DefaultSlowConsumerGrace
	}
	if c.Limits.IdleTimeout == 0 {
		c.Limits.IdleTimeout = DefaultIdleTimeout
	}
	if c.Auth.PairingExpiry == 0 {
		c.Auth.PairingExpiry = DefaultPairingExpiry
	}
	if c.Auth.PairingCodeLength == 0 {
		c.Auth.PairingCodeLength = DefaultPairingCodeLength
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.PairingCodeLength < 6 || c.Auth.PairingCodeLength > 16 {
		return fmt.Errorf("auth.pairing_code_length must be between 6 and 16, got %d", c.Auth.PairingCodeLength)
	}

	return nil
}

// Fingerprint returns a stable hex digest of the effective configuration.
// It is exposed in the welcome frame and in config.reloaded events so
// clients can tell whether two gateways (or epochs) run the same config.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Auth.PairingExpiryRaw, "pairing_expiry", &cfg.Auth.PairingExpiry},
		{cfg.Limits.HandshakeTimeoutRaw, "handshake_timeout", &cfg.Limits.HandshakeTimeout},
		{cfg.Limits.SlowConsumerGraceRaw, "slow_consumer_grace", &cfg.Limits.SlowConsumerGrace},
		{cfg.Limits.IdleTimeoutRaw, "idle_timeout", &cfg.Limits.IdleTimeout},
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
