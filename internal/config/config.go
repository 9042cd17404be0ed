// ABOUTME: Configuration loading and parsing for huddle-gateway
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, duration parsing and HUDDLE_* overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/bot"
	"github.com/2389/huddle-gateway/internal/conversation"
)

// Database drivers accepted in database.driver.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
	DriverBadger  = "badger"
	DriverMemory  = "memory"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultTokenTTL         = 24 * time.Hour
	DefaultSessionTTL       = 5 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeMaxEntries = 10000
)

// Config represents the complete huddle-gateway configuration
type Config struct {
	Server    ServerConfig        `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig      `yaml:"database" toml:"database"`
	Auth      AuthConfig          `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig      `yaml:"sessions" toml:"sessions"`
	Transport TransportConfig     `yaml:"transport" toml:"transport"`
	Bots      map[string]bot.Spec `yaml:"bots" toml:"bots"`
	Handshake HandshakeConfig     `yaml:"handshake" toml:"handshake"`
	Dedupe    DedupeConfig        `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve with tsnet's automatic certificates on :443
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds participant token configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// SessionsConfig controls single-use bot session tokens.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TTLRaw           string `yaml:"ttl" toml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// TransportConfig controls per-subscriber fanout queues.
type TransportConfig struct {
	QueueSize int                         `yaml:"queue_size" toml:"queue_size"`
	Overflow  conversation.OverflowPolicy `yaml:"overflow" toml:"overflow"`
}

// HandshakeConfig controls how external bots are invited to connect.
type HandshakeConfig struct {
	Policy  bot.HandshakePolicy `yaml:"policy" toml:"policy"`
	Timeout time.Duration       `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// DedupeConfig bounds the client local_id replay cache.
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// envOverrides lists the settings that HUDDLE_* environment variables may
// replace after the file is parsed. Unset variables leave the file value.
type envOverrides struct {
	HTTPAddr         string              `envconfig:"HTTP_ADDR"`
	DatabaseDriver   string              `envconfig:"DB_DRIVER"`
	DatabasePath     string              `envconfig:"DB_PATH"`
	JWTSecret        string              `envconfig:"JWT_SECRET"`
	SessionTTL       time.Duration       `envconfig:"SESSION_TTL"`
	HandshakePolicy  bot.HandshakePolicy `envconfig:"HANDSHAKE_POLICY"`
	LogLevel         string              `envconfig:"LOG_LEVEL"`
	LogFormat        string              `envconfig:"LOG_FORMAT"`
	TailscaleAuthKey string              `envconfig:"TAILSCALE_AUTH_KEY"`
}

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "HUDDLE"

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cfg.applyDefaults()

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

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	if env.HTTPAddr != "" {
		cfg.Server.HTTPAddr = env.HTTPAddr
	}
	if env.DatabaseDriver != "" {
		cfg.Database.Driver = env.DatabaseDriver
	}
	if env.DatabasePath != "" {
		cfg.Database.Path = env.DatabasePath
	}
	if env.JWTSecret != "" {
		cfg.Auth.JWTSecret = env.JWTSecret
	}
	if env.SessionTTL != 0 {
		cfg.Sessions.TTL = env.SessionTTL
	}
	if env.HandshakePolicy != "" {
		cfg.Handshake.Policy = env.HandshakePolicy
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Logging.Format = env.LogFormat
	}
	if env.TailscaleAuthKey != "" {
		cfg.Tailscale.AuthKey = env.TailscaleAuthKey
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	c.Auth.TokenTTL = lo.Ternary(c.Auth.TokenTTL > 0, c.Auth.TokenTTL, DefaultTokenTTL)
	c.Sessions.TTL = lo.Ternary(c.Sessions.TTL > 0, c.Sessions.TTL, DefaultSessionTTL)
	c.Sessions.SweepInterval = lo.Ternary(c.Sessions.SweepInterval > 0, c.Sessions.SweepInterval, DefaultSweepInterval)
	c.Handshake.Timeout = lo.Ternary(c.Handshake.Timeout > 0, c.Handshake.Timeout, DefaultHandshakeTimeout)
	c.Dedupe.TTL = lo.Ternary(c.Dedupe.TTL > 0, c.Dedupe.TTL, DefaultDedupeTTL)
	c.Dedupe.MaxEntries = lo.Ternary(c.Dedupe.MaxEntries > 0, c.Dedupe.MaxEntries, DefaultDedupeMaxEntries)
	c.Transport.QueueSize = lo.Ternary(c.Transport.QueueSize > 0, c.Transport.QueueSize, conversation.DefaultQueueSize)
	if c.Transport.Overflow == "" {
		c.Transport.Overflow = conversation.OverflowDropOldest
	}
	if c.Handshake.Policy == "" {
		c.Handshake.Policy = bot.PolicyPerMessage
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3, DriverBadger:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, badger, memory", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	if !c.Transport.Overflow.Valid() {
		return fmt.Errorf("transport.overflow %q is not one of drop_oldest, disconnect", c.Transport.Overflow)
	}

	if !c.Handshake.Policy.Valid() {
		return fmt.Errorf("handshake.policy %q is not one of per_message, once", c.Handshake.Policy)
	}

	for _, name := range BotNames(c.Bots) {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("bots: empty bot name")
		}
		if err := c.Bots[name].Validate(); err != nil {
			return fmt.Errorf("bots.%s: %w", name, err)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// BotNames returns the configured bot names in sorted order.
func BotNames(bots map[string]bot.Spec) []string {
	names := lo.Keys(bots)
	slices.Sort(names)
	return names
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"sessions.ttl", cfg.Sessions.TTLRaw, &cfg.Sessions.TTL},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"handshake.timeout", cfg.Handshake.TimeoutRaw, &cfg.Handshake.Timeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
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
