// Package config loads and validates the orchestrator configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minTicketSecretLen is the minimum HMAC secret length in bytes.
const minTicketSecretLen = 32

// maxConcurrentCeiling bounds the per-principal stream limit.
const maxConcurrentCeiling = 10

// Config holds the complete orchestrator configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Ticket   TicketConfig   `yaml:"ticket"`
	Stream   StreamConfig   `yaml:"stream"`
	Engine   EngineConfig   `yaml:"engine"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// AuthConfig configures principal authentication.
type AuthConfig struct {
	JWTSecret string      `yaml:"jwt_secret"`
	APIKeys   []APIKeyDef `yaml:"api_keys"`
}

// APIKeyDef defines one API key credential by name and bcrypt hash.
type APIKeyDef struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// DatabaseConfig configures the PostgreSQL backing store. An empty DSN
// selects the in-memory stores.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// TicketConfig configures the stream ticket codec.
type TicketConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// StreamConfig configures admission and dispatch.
type StreamConfig struct {
	MaxConcurrent      int           `yaml:"max_concurrent"`
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`
	MaxDuration        time.Duration `yaml:"max_duration"`
}

// EngineConfig configures the upstream generation engine client.
type EngineConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// ReaperConfig configures the retention sweep.
type ReaperConfig struct {
	Interval         time.Duration `yaml:"interval"`
	SessionRetention time.Duration `yaml:"session_retention"`
	TaskRetention    time.Duration `yaml:"task_retention"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text", "json"
}

// Load loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the operator.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Ticket.TTL == 0 {
		cfg.Ticket.TTL = 60 * time.Second
	}
	if cfg.Stream.MaxConcurrent == 0 {
		cfg.Stream.MaxConcurrent = 3
	}
	if cfg.Stream.StatusPollInterval == 0 {
		cfg.Stream.StatusPollInterval = time.Second
	}
	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = 5 * time.Minute
	}
	if cfg.Reaper.SessionRetention == 0 {
		cfg.Reaper.SessionRetention = time.Hour
	}
	if cfg.Reaper.TaskRetention == 0 {
		cfg.Reaper.TaskRetention = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Ticket.Secret) < minTicketSecretLen {
		errs = append(errs, fmt.Sprintf("ticket.secret must be at least %d bytes", minTicketSecretLen))
	}
	if c.Stream.MaxConcurrent < 1 || c.Stream.MaxConcurrent > maxConcurrentCeiling {
		errs = append(errs, fmt.Sprintf("stream.max_concurrent must be between 1 and %d", maxConcurrentCeiling))
	}
	if c.Engine.URL == "" {
		errs = append(errs, "engine.url is required")
	}
	if c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, "auth requires a jwt_secret or at least one api key")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
