// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle-gateway/internal/bot"
	"github.com/2389/huddle-gateway/internal/conversation"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:9090"

database:
  driver: "badger"
  path: "./data/badger"

auth:
  jwt_secret: "`+testSecret+`"
  token_ttl: "2h"

sessions:
  ttl: "30s"
  sweep_interval: "5s"

transport:
  queue_size: 16
  overflow: "disconnect"

handshake:
  policy: "once"
  timeout: "3s"

dedupe:
  ttl: "1m"
  max_entries: 50

bots:
  shouter:
    internal:
      kind: "uppercase-echo"
      args: [1, "two"]
      kwargs:
        prefix: ">> "
  remote:
    external:
      endpoint: "http://localhost:9000/handshake"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, DriverBadger, cfg.Database.Driver)
	assert.Equal(t, "./data/badger", cfg.Database.Path)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.Sessions.TTL)
	assert.Equal(t, 5*time.Second, cfg.Sessions.SweepInterval)
	assert.Equal(t, 16, cfg.Transport.QueueSize)
	assert.Equal(t, conversation.OverflowDisconnect, cfg.Transport.Overflow)
	assert.Equal(t, bot.PolicyOnce, cfg.Handshake.Policy)
	assert.Equal(t, 3*time.Second, cfg.Handshake.Timeout)
	assert.Equal(t, time.Minute, cfg.Dedupe.TTL)
	assert.Equal(t, 50, cfg.Dedupe.MaxEntries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	require.Len(t, cfg.Bots, 2)
	shouter := cfg.Bots["shouter"]
	require.NotNil(t, shouter.Internal)
	assert.Equal(t, bot.KindInternal, shouter.Kind())
	assert.Equal(t, "uppercase-echo", shouter.Internal.Kind)
	assert.Len(t, shouter.Internal.Args, 2)
	assert.Equal(t, ">> ", shouter.Internal.Kwargs["prefix"])

	remote := cfg.Bots["remote"]
	require.NotNil(t, remote.External)
	assert.Equal(t, bot.KindExternal, remote.Kind())
	assert.Equal(t, "http://localhost:9000/handshake", remote.External.Endpoint)

	assert.Equal(t, []string{"remote", "shouter"}, BotNames(cfg.Bots))
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9191"

[database]
driver = "sqlite"
path = "./huddle.db"

[auth]
jwt_secret = "`+testSecret+`"

[sessions]
ttl = "45s"

[bots.calc.internal]
kind = "calculator"

[bots.remote.external]
endpoint = "http://bots.internal/hello"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9191", cfg.Server.HTTPAddr)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 45*time.Second, cfg.Sessions.TTL)
	require.NotNil(t, cfg.Bots["calc"].Internal)
	assert.Equal(t, "calculator", cfg.Bots["calc"].Internal.Kind)
	require.NotNil(t, cfg.Bots["remote"].External)
	assert.Equal(t, "http://bots.internal/hello", cfg.Bots["remote"].External.Endpoint)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
database:
  path: "./huddle.db"
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, DefaultTokenTTL, cfg.Auth.TokenTTL)
	assert.Equal(t, DefaultSessionTTL, cfg.Sessions.TTL)
	assert.Equal(t, DefaultSweepInterval, cfg.Sessions.SweepInterval)
	assert.Equal(t, conversation.DefaultQueueSize, cfg.Transport.QueueSize)
	assert.Equal(t, conversation.OverflowDropOldest, cfg.Transport.Overflow)
	assert.Equal(t, bot.PolicyPerMessage, cfg.Handshake.Policy)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Handshake.Timeout)
	assert.Equal(t, DefaultDedupeTTL, cfg.Dedupe.TTL)
	assert.Equal(t, DefaultDedupeMaxEntries, cfg.Dedupe.MaxEntries)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Empty(t, cfg.Bots)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HUDDLE_SECRET", testSecret)
	t.Setenv("TEST_BOT_ENDPOINT", "http://expanded/handshake")

	path := writeConfig(t, "gateway.yaml", `
database:
  driver: "memory"
auth:
  jwt_secret: "${TEST_HUDDLE_SECRET}"
bots:
  remote:
    external:
      endpoint: "${TEST_BOT_ENDPOINT}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "http://expanded/handshake", cfg.Bots["remote"].External.Endpoint)
}

func TestExpandEnvVars_UnsetBecomesEmpty(t *testing.T) {
	assert.Equal(t, "a--b", expandEnvVars("a-${HUDDLE_TEST_SURELY_UNSET_VAR}-b"))
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:1"
database:
  driver: "sqlite"
  path: "./file.db"
auth:
  jwt_secret: "`+testSecret+`"
handshake:
  policy: "per_message"
`)

	t.Setenv("HUDDLE_HTTP_ADDR", "127.0.0.1:2")
	t.Setenv("HUDDLE_DB_DRIVER", "memory")
	t.Setenv("HUDDLE_SESSION_TTL", "90s")
	t.Setenv("HUDDLE_HANDSHAKE_POLICY", "once")
	t.Setenv("HUDDLE_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2", cfg.Server.HTTPAddr)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "./file.db", cfg.Database.Path)
	assert.Equal(t, 90*time.Second, cfg.Sessions.TTL)
	assert.Equal(t, bot.PolicyOnce, cfg.Handshake.Policy)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "bad yaml",
			file:    "gateway.yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
		{
			name:    "bad toml",
			file:    "gateway.toml",
			content: "[server\nhttp_addr = 1",
			wantErr: "parsing config file",
		},
		{
			name:    "bad duration",
			file:    "gateway.yaml",
			content: "auth:\n  jwt_secret: \"" + testSecret + "\"\nsessions:\n  ttl: \"soon\"\n",
			wantErr: "sessions.ttl",
		},
		{
			name:    "negative duration",
			file:    "gateway.yaml",
			content: "auth:\n  jwt_secret: \"" + testSecret + "\"\ndedupe:\n  ttl: \"-1m\"\n",
			wantErr: "must not be negative",
		},
		{
			name:    "missing secret",
			file:    "gateway.yaml",
			content: "database:\n  driver: memory\n",
			wantErr: "auth.jwt_secret is required",
		},
		{
			name:    "short secret",
			file:    "gateway.yaml",
			content: "database:\n  driver: memory\nauth:\n  jwt_secret: short\n",
			wantErr: "at least 32 bytes",
		},
		{
			name:    "unknown driver",
			file:    "gateway.yaml",
			content: "database:\n  driver: postgres\n  path: x\nauth:\n  jwt_secret: \"" + testSecret + "\"\n",
			wantErr: "database.driver",
		},
		{
			name:    "sqlite without path",
			file:    "gateway.yaml",
			content: "auth:\n  jwt_secret: \"" + testSecret + "\"\n",
			wantErr: "database.path is required",
		},
		{
			name:    "bad overflow",
			file:    "gateway.yaml",
			content: "database:\n  driver: memory\nauth:\n  jwt_secret: \"" + testSecret + "\"\ntransport:\n  overflow: block\n",
			wantErr: "transport.overflow",
		},
		{
			name:    "bad policy",
			file:    "gateway.yaml",
			content: "database:\n  driver: memory\nauth:\n  jwt_secret: \"" + testSecret + "\"\nhandshake:\n  policy: always\n",
			wantErr: "handshake.policy",
		},
		{
			name:    "bot with both variants",
			file:    "gateway.yaml",
			content: "database:\n  driver: memory\nauth:\n  jwt_secret: \"" + testSecret + "\"\nbots:\n  x:\n    internal: {kind: calculator}\n    external: {endpoint: http://a}\n",
			wantErr: "bots.x",
		},
		{
			name:    "tailscale without hostname",
			file:    "gateway.yaml",
			content: "database:\n  driver: memory\nauth:\n  jwt_secret: \"" + testSecret + "\"\ntailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "bad log format",
			file:    "gateway.yaml",
			content: "database:\n  driver: memory\nauth:\n  jwt_secret: \"" + testSecret + "\"\nlogging:\n  format: xml\n",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
