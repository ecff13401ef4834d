package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() Config {
	cfg := Default()
	cfg.Session.Keys = []string{"current", "previous"}
	return cfg
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("RELAYCAST_TEST_REDIS_PASSWORD", "s3cret")
	path := writeConfig(t, "relaycast.yaml", `
mode: production
server:
  addr: "0.0.0.0:9000"
  body_limit: 2048
  shutdown_timeout: "3s"
cors:
  origins:
    - "https://app.example.com"
session:
  keys: ["new", "old"]
  max_age: "30m"
gateway:
  path: "/events"
  heartbeat_interval: "15s"
bus:
  driver: redis
  addrs: ["10.0.0.1:6379", "10.0.0.2:6379"]
  password: "${RELAYCAST_TEST_REDIS_PASSWORD}"
  connect_timeout: "2s"
  tls:
    server_name: "redis.internal"
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Production())
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())
	assert.Equal(t, int64(2048), cfg.Server.BodyLimit)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORS.Origins)
	assert.Equal(t, []string{"new", "old"}, cfg.Session.Keys)
	assert.Equal(t, 30*time.Minute, cfg.Session.MaxAge)
	assert.Equal(t, "/events", cfg.Gateway.Path)
	assert.Equal(t, 15*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, BusRedis, cfg.Bus.Driver)
	assert.Equal(t, "s3cret", cfg.Bus.Password)
	assert.Equal(t, 2*time.Second, cfg.Bus.ConnectTimeout)
	assert.Equal(t, "redis.internal", cfg.Bus.TLS.ServerName)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields keep their defaults.
	assert.Equal(t, 16, cfg.Gateway.SendQueue)
	assert.Equal(t, "relaycast:events", cfg.Bus.Channel)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "relaycast.toml", `
mode = "development"

[server]
addr = "127.0.0.1:8081"

[session]
keys = ["a", "b"]

[bus]
driver = "memory"
channel = "custom"

[gateway]
heartbeat_interval = "0s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Production())
	assert.Equal(t, "127.0.0.1:8081", cfg.ListenAddr())
	assert.Equal(t, "custom", cfg.Bus.Channel)
	assert.Equal(t, time.Duration(0), cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, 24*time.Hour, cfg.Session.MaxAge)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	_, err = Load(writeConfig(t, "relaycast.json", `{}`))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(writeConfig(t, "bad.yaml", "server: [unterminated"))
	assert.ErrorContains(t, err, "parsing config file")

	_, err = Load(writeConfig(t, "bad.toml", "server = "))
	assert.ErrorContains(t, err, "parsing config file")

	_, err = Load(writeConfig(t, "duration.yaml", "session:\n  max_age: soon\n"))
	assert.ErrorContains(t, err, "session.max_age")
}

func TestExpandEnvVarsUnsetIsEmpty(t *testing.T) {
	t.Setenv("RELAYCAST_TEST_SET", "value")
	assert.Equal(t, "value-", expandEnvVars("${RELAYCAST_TEST_SET}-${RELAYCAST_TEST_NOT_SET_ANYWHERE}"))
}

func TestListenAddrDefaultsByMode(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.ListenAddr())
	cfg.Mode = "Production"
	assert.Equal(t, ":80", cfg.ListenAddr())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "staging" }, "mode"},
		{"zero body limit", func(c *Config) { c.Server.BodyLimit = 0 }, "server.body_limit"},
		{"tls cert without key", func(c *Config) { c.Server.TLSCert = "cert.pem" }, "server.tls_cert"},
		{"single session key", func(c *Config) { c.Session.Keys = []string{"only"} }, "session.keys"},
		{"blank session key", func(c *Config) { c.Session.Keys = []string{"a", " "} }, "session.keys[1]"},
		{"zero max age", func(c *Config) { c.Session.MaxAge = 0 }, "session.max_age"},
		{"relative gateway path", func(c *Config) { c.Gateway.Path = "ws" }, "gateway.path"},
		{"negative heartbeat", func(c *Config) { c.Gateway.HeartbeatInterval = -time.Second }, "gateway.heartbeat_interval"},
		{"unknown bus", func(c *Config) { c.Bus.Driver = "kafka" }, "bus.driver"},
		{"redis without address", func(c *Config) { c.Bus.Driver = BusRedis }, "bus.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	cfg.Bus.Driver = BusRedis
	cfg.Bus.Addr = "127.0.0.1:6379"
	require.NoError(t, cfg.Validate())
}
