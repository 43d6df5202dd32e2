package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() string {
	return `
server:
  address: ":9090"
auth:
  jwt_secret: sekret
ticket:
  secret: 0123456789abcdef0123456789abcdef
  ttl: 90s
stream:
  max_concurrent: 5
engine:
  url: http://rag-engine:8000/generate
`
}

func TestLoad_ValidFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig()))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 90*time.Second, cfg.Ticket.TTL)
	assert.Equal(t, 5, cfg.Stream.MaxConcurrent)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("STREAMGATE_TICKET_SECRET", "expanded-secret-expanded-secret!")

	cfg, err := Load(writeConfig(t, `
ticket:
  secret: ${STREAMGATE_TICKET_SECRET}
engine:
  url: http://localhost:8000
auth:
  jwt_secret: x
`))
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret-expanded-secret!", cfg.Ticket.Secret)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")

	assert.Equal(t, "value: bar", expandEnvVars("value: ${FOO}"))
	assert.Equal(t, "value: ", expandEnvVars("value: ${UNSET_VARIABLE_XYZ}"))
	assert.Equal(t, "no vars here", expandEnvVars("no vars here"))
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 60*time.Second, cfg.Ticket.TTL)
	assert.Equal(t, 3, cfg.Stream.MaxConcurrent)
	assert.Equal(t, time.Second, cfg.Stream.StatusPollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Reaper.Interval)
	assert.Equal(t, time.Hour, cfg.Reaper.SessionRetention)
	assert.Equal(t, 24*time.Hour, cfg.Reaper.TaskRetention)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate_Errors(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validConfig()))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short ticket secret", func(c *Config) { c.Ticket.Secret = "short" }, "ticket.secret"},
		{"zero max concurrent", func(c *Config) { c.Stream.MaxConcurrent = 0 }, "stream.max_concurrent"},
		{"excessive max concurrent", func(c *Config) { c.Stream.MaxConcurrent = 11 }, "stream.max_concurrent"},
		{"missing engine url", func(c *Config) { c.Engine.URL = "" }, "engine.url"},
		{"no credentials", func(c *Config) { c.Auth.JWTSecret = ""; c.Auth.APIKeys = nil }, "auth"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	err := cfg.Validate()
	require.Error(t, err)
	assert.GreaterOrEqual(t, strings.Count(err.Error(), ";"), 2)
}
