// Package config loads relaycast settings from YAML or TOML files.
//
// Files may reference environment variables as ${VAR_NAME}. Durations are
// written as Go duration strings ("30s", "24h") and parsed after decoding.
// Load does not validate: callers layer environment and flag overrides on top
// and then call Validate.
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

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"

	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config represents the complete relaycast configuration.
type Config struct {
	Mode    string        `yaml:"mode" toml:"mode"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	CORS    CORSConfig    `yaml:"cors" toml:"cors"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Gateway GatewayConfig `yaml:"gateway" toml:"gateway"`
	Bus     BusConfig     `yaml:"bus" toml:"bus"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener and request settings.
type ServerConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	BodyLimit int64  `yaml:"body_limit" toml:"body_limit"`
	TLSCert   string `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey    string `yaml:"tls_key" toml:"tls_key"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// CORSConfig lists the origins allowed to call the API and open gateway
// connections.
type CORSConfig struct {
	Origins []string `yaml:"origins" toml:"origins"`
}

// SessionConfig holds the cookie signing keys, newest first.
type SessionConfig struct {
	Keys []string `yaml:"keys" toml:"keys"`

	MaxAge    time.Duration `yaml:"-" toml:"-"`
	MaxAgeRaw string        `yaml:"max_age" toml:"max_age"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Path      string `yaml:"path" toml:"path"`
	SendQueue int    `yaml:"send_queue" toml:"send_queue"`

	HeartbeatInterval    time.Duration `yaml:"-" toml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// BusConfig selects the shared channel used for fan-out.
type BusConfig struct {
	Driver     string       `yaml:"driver" toml:"driver"`
	Addr       string       `yaml:"addr" toml:"addr"`
	Addrs      []string     `yaml:"addrs" toml:"addrs"`
	MasterName string       `yaml:"master_name" toml:"master_name"`
	Username   string       `yaml:"username" toml:"username"`
	Password   string       `yaml:"password" toml:"password"`
	Channel    string       `yaml:"channel" toml:"channel"`
	PoolSize   int          `yaml:"pool_size" toml:"pool_size"`
	TLS        BusTLSConfig `yaml:"tls" toml:"tls"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout" toml:"connect_timeout"`
}

// BusTLSConfig holds TLS files for Redis connections.
type BusTLSConfig struct {
	CAFile             string `yaml:"ca_file" toml:"ca_file"`
	CertFile           string `yaml:"cert_file" toml:"cert_file"`
	KeyFile            string `yaml:"key_file" toml:"key_file"`
	ServerName         string `yaml:"server_name" toml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Mode: ModeDevelopment,
		Server: ServerConfig{
			BodyLimit:       1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{MaxAge: 24 * time.Hour},
		Gateway: GatewayConfig{
			Path:              "/ws",
			SendQueue:         16,
			HeartbeatInterval: 30 * time.Second,
		},
		Bus: BusConfig{
			Driver:         BusMemory,
			Channel:        "relaycast:events",
			ConnectTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the file at path over Default. The format is chosen by
// extension: .yaml, .yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or an empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dest *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"session.max_age", cfg.Session.MaxAgeRaw, &cfg.Session.MaxAge},
		{"gateway.heartbeat_interval", cfg.Gateway.HeartbeatIntervalRaw, &cfg.Gateway.HeartbeatInterval},
		{"bus.connect_timeout", cfg.Bus.ConnectTimeoutRaw, &cfg.Bus.ConnectTimeout},
	}
	for _, field := range fields {
		raw := strings.TrimSpace(field.raw)
		if raw == "" {
			continue
		}
		value, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", field.name, raw, err)
		}
		*field.dest = value
	}
	return nil
}

// ListenAddr returns Server.Addr, falling back to :80 in production mode and
// :8080 otherwise.
func (c *Config) ListenAddr() string {
	if addr := strings.TrimSpace(c.Server.Addr); addr != "" {
		return addr
	}
	if c.Production() {
		return ":80"
	}
	return ":8080"
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Mode), ModeProduction)
}

// Validate checks that all required fields are present and consistent.
// It returns the first failure encountered.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case "", ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("mode %q must be %s or %s", c.Mode, ModeDevelopment, ModeProduction)
	}

	if c.Server.BodyLimit <= 0 {
		return fmt.Errorf("server.body_limit must be positive")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}

	if len(c.Session.Keys) < 2 {
		return fmt.Errorf("session.keys requires a current and a previous key")
	}
	for i, key := range c.Session.Keys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("session.keys[%d] is empty", i)
		}
	}
	if c.Session.MaxAge <= 0 {
		return fmt.Errorf("session.max_age must be positive")
	}

	if !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("gateway.path %q must start with /", c.Gateway.Path)
	}
	if c.Gateway.HeartbeatInterval < 0 {
		return fmt.Errorf("gateway.heartbeat_interval must not be negative")
	}

	switch strings.ToLower(strings.TrimSpace(c.Bus.Driver)) {
	case BusMemory:
	case BusRedis:
		if strings.TrimSpace(c.Bus.Addr) == "" && len(c.Bus.Addrs) == 0 {
			return fmt.Errorf("bus.addr or bus.addrs is required for the redis driver")
		}
	default:
		return fmt.Errorf("bus.driver %q must be %s or %s", c.Bus.Driver, BusMemory, BusRedis)
	}
	return nil
}
