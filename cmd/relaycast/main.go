// Command relaycast starts the realtime event gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"relaycast/internal/bootstrap"
	"relaycast/internal/config"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/serverutil"
)

const envPrefix = "RELAYCAST_"

func main() {
	cfg, err := resolveConfig(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relaycast: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "relaycast",
	})
	recorder := metrics.Default()

	seq, err := bootstrap.New(bootstrap.Deps{
		Logger:  logger,
		Config:  cfg,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seq.Start(ctx); err != nil {
		logger.Error("failed to start relaycast", "error", err)
		os.Exit(1)
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- seq.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-listenErr:
		if err != nil {
			logger.Error("listener stopped unexpectedly", "error", err)
		}
	}
	stop()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = serverutil.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := seq.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
}

// resolveConfig layers settings from lowest to highest precedence: defaults,
// the optional config file, RELAYCAST_* environment variables and flags.
func resolveConfig(args []string, getenv func(string) string) (config.Config, error) {
	env := func(key string) string { return strings.TrimSpace(getenv(envPrefix + key)) }

	fs := flag.NewFlagSet("relaycast", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML or TOML config file")
	addr := fs.String("addr", "", "HTTP listen address")
	mode := fs.String("mode", "", "runtime mode (development or production)")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	bodyLimit := fs.Int64("body-limit", 0, "maximum JSON request body in bytes")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	corsOrigins := fs.String("cors-origins", "", "comma separated origins allowed for CORS and gateway connections")
	sessionKeys := fs.String("session-keys", "", "comma separated session signing keys, newest first")
	gatewayPath := fs.String("gateway-path", "", "path serving WebSocket connections")
	heartbeat := fs.Duration("heartbeat-interval", 0, "interval between gateway pings")
	sendQueue := fs.Int("send-queue", 0, "outbound frames buffered per connection")
	busDriver := fs.String("bus-driver", "", "broadcast bus driver (memory or redis)")
	busChannel := fs.String("bus-channel", "", "shared channel name")
	busConnectTimeout := fs.Duration("bus-connect-timeout", 0, "timeout for attaching to the shared channel")
	redisAddr := fs.String("bus-redis-addr", "", "Redis address for the broadcast bus")
	redisAddrs := fs.String("bus-redis-addrs", "", "comma separated Redis addresses for the broadcast bus")
	redisUsername := fs.String("bus-redis-username", "", "Redis username for the broadcast bus")
	redisPassword := fs.String("bus-redis-password", "", "Redis password for the broadcast bus")
	redisMasterName := fs.String("bus-redis-sentinel-master", "", "Redis sentinel master name for the broadcast bus")
	redisPoolSize := fs.Int("bus-redis-pool-size", 0, "maximum Redis connections for the broadcast bus")
	redisTLSCA := fs.String("bus-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("bus-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("bus-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("bus-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("bus-redis-tls-skip-verify", false, "skip Redis TLS verification")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if path := firstNonEmpty(*configPath, env("CONFIG")); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = *loaded
	}

	cfg.Mode = strings.ToLower(firstNonEmpty(*mode, env("MODE"), cfg.Mode))
	cfg.Server.Addr = firstNonEmpty(*addr, env("ADDR"), cfg.Server.Addr)
	cfg.Server.TLSCert = firstNonEmpty(*tlsCert, env("TLS_CERT"), cfg.Server.TLSCert)
	cfg.Server.TLSKey = firstNonEmpty(*tlsKey, env("TLS_KEY"), cfg.Server.TLSKey)
	cfg.Server.BodyLimit = int64(resolveInt(int(*bodyLimit), env("BODY_LIMIT"), int(cfg.Server.BodyLimit)))
	cfg.Server.ShutdownTimeout = resolveDuration(*shutdownTimeout, env("SHUTDOWN_TIMEOUT"), cfg.Server.ShutdownTimeout)

	if origins := splitAndTrim(firstNonEmpty(*corsOrigins, env("CORS_ORIGINS"))); origins != nil {
		cfg.CORS.Origins = origins
	}
	if keys := splitAndTrim(firstNonEmpty(*sessionKeys, env("SESSION_KEYS"))); keys != nil {
		cfg.Session.Keys = keys
	}

	cfg.Gateway.Path = firstNonEmpty(*gatewayPath, env("GATEWAY_PATH"), cfg.Gateway.Path)
	cfg.Gateway.HeartbeatInterval = resolveDuration(*heartbeat, env("HEARTBEAT_INTERVAL"), cfg.Gateway.HeartbeatInterval)
	cfg.Gateway.SendQueue = resolveInt(*sendQueue, env("SEND_QUEUE"), cfg.Gateway.SendQueue)

	bus := &cfg.Bus
	bus.Driver = strings.ToLower(firstNonEmpty(*busDriver, env("BUS_DRIVER"), bus.Driver))
	bus.Channel = firstNonEmpty(*busChannel, env("BUS_CHANNEL"), bus.Channel)
	bus.ConnectTimeout = resolveDuration(*busConnectTimeout, env("BUS_CONNECT_TIMEOUT"), bus.ConnectTimeout)
	bus.Addr = firstNonEmpty(*redisAddr, env("BUS_REDIS_ADDR"), bus.Addr)
	if addrs := splitAndTrim(firstNonEmpty(*redisAddrs, env("BUS_REDIS_ADDRS"))); addrs != nil {
		bus.Addrs = addrs
	}
	bus.Username = firstNonEmpty(*redisUsername, env("BUS_REDIS_USERNAME"), bus.Username)
	bus.Password = firstNonEmpty(*redisPassword, env("BUS_REDIS_PASSWORD"), bus.Password)
	bus.MasterName = firstNonEmpty(*redisMasterName, env("BUS_REDIS_SENTINEL_MASTER"), bus.MasterName)
	bus.PoolSize = resolveInt(*redisPoolSize, env("BUS_REDIS_POOL_SIZE"), bus.PoolSize)
	bus.TLS.CAFile = firstNonEmpty(*redisTLSCA, env("BUS_REDIS_TLS_CA"), bus.TLS.CAFile)
	bus.TLS.CertFile = firstNonEmpty(*redisTLSCert, env("BUS_REDIS_TLS_CERT"), bus.TLS.CertFile)
	bus.TLS.KeyFile = firstNonEmpty(*redisTLSKey, env("BUS_REDIS_TLS_KEY"), bus.TLS.KeyFile)
	bus.TLS.ServerName = firstNonEmpty(*redisTLSServerName, env("BUS_REDIS_TLS_SERVER_NAME"), bus.TLS.ServerName)
	bus.TLS.InsecureSkipVerify = resolveBool(*redisTLSSkipVerify, env("BUS_REDIS_TLS_SKIP_VERIFY"), bus.TLS.InsecureSkipVerify)

	cfg.Logging.Level = firstNonEmpty(*logLevel, env("LOG_LEVEL"), cfg.Logging.Level)
	cfg.Logging.Format = firstNonEmpty(*logFormat, env("LOG_FORMAT"), cfg.Logging.Format)
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envValue string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if envValue != "" {
		if value, err := strconv.Atoi(envValue); err == nil {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envValue string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if envValue != "" {
		if value, err := time.ParseDuration(envValue); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envValue string, fallback bool) bool {
	if flagValue {
		return true
	}
	if envValue != "" {
		if value, err := strconv.ParseBool(envValue); err == nil {
			return value
		}
	}
	return fallback
}
