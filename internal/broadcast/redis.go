package broadcast

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed bus. Addr and Addrs are merged;
// several addresses select cluster mode and MasterName selects sentinel mode.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	MasterName   string
	Username     string
	Password     string
	Channel      string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	Buffer       int
	TLS          RedisTLSConfig
	Logger       *slog.Logger
}

// RedisBus publishes and subscribes through Redis pub/sub. The publish and
// subscribe links are separate clients so a blocked subscription never
// delays publishing.
type RedisBus struct {
	publisher  redis.UniversalClient
	subscriber redis.UniversalClient
	channel    string
	buffer     int
	logger     *slog.Logger
}

// NewRedisBus builds both links. No network traffic happens until the first
// Subscribe, Publish or Ping.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	options := func() *redis.UniversalOptions {
		return &redis.UniversalOptions{
			Addrs:        addrs,
			MasterName:   strings.TrimSpace(cfg.MasterName),
			Username:     strings.TrimSpace(cfg.Username),
			Password:     cfg.Password,
			TLSConfig:    tlsConfig,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   2,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		publisher:  redis.NewUniversalClient(options()),
		subscriber: redis.NewUniversalClient(options()),
		channel:    channel,
		buffer:     cfg.Buffer,
		logger:     logger,
	}, nil
}

// Channel returns the shared channel name.
func (b *RedisBus) Channel() string {
	return b.channel
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	if err := b.publisher.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := b.subscriber.Subscribe(ctx, b.channel)
	reply, err := pubsub.Receive(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	if _, ok := reply.(*redis.Subscription); !ok {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: unexpected reply %T", b.channel, reply)
	}
	b.logger.Debug("subscribed to shared channel", "channel", b.channel)
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.run(pubsub.Channel(redis.WithChannelSize(b.buffer)))
	return sub, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	return errors.Join(b.publisher.Close(), b.subscriber.Close())
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) run(messages <-chan *redis.Message) {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
