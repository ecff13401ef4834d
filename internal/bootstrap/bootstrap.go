// Package bootstrap brings a relaycast instance up in a fixed order and tears
// it down in reverse.
//
// The sequence is: security headers and CORS, standard middleware,
// application routes, route-miss handling, the listener, the connection
// gateway and finally the broadcast adapter. The first failing step aborts
// startup; nothing is retried.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"relaycast/internal/apierror"
	"relaycast/internal/broadcast"
	"relaycast/internal/config"
	"relaycast/internal/gateway"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/server"
	"relaycast/internal/serverutil"
	"relaycast/internal/session"
)

// State is the sequencer's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateSecurityConfigured
	StateStandardConfigured
	StateRoutesConfigured
	StateErrorHandlingConfigured
	StateListenerStarted
	StateGatewayAttached
	StateAdapterAttached
	StateRunning
	StateFailed
	StateStopped
)

var stateNames = map[State]string{
	StateIdle:                    "idle",
	StateSecurityConfigured:      "security_configured",
	StateStandardConfigured:      "standard_configured",
	StateRoutesConfigured:        "routes_configured",
	StateErrorHandlingConfigured: "error_handling_configured",
	StateListenerStarted:         "listener_started",
	StateGatewayAttached:         "gateway_attached",
	StateAdapterAttached:         "adapter_attached",
	StateRunning:                 "running",
	StateFailed:                  "failed",
	StateStopped:                 "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("bootstrap already started")

// BusFactory builds the shared channel links for this instance.
type BusFactory func(ctx context.Context) (broadcast.Bus, error)

// Deps is everything a sequencer needs. Nothing is read from globals.
type Deps struct {
	Logger  *slog.Logger
	Config  config.Config
	Metrics *metrics.Recorder
	// Bus overrides the bus selected by Config.Bus.
	Bus       BusFactory
	Routes    []server.RouteRegistrar
	Callbacks gateway.Callbacks
}

// Sequencer owns the lifecycle of one instance.
type Sequencer struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Recorder
	busFor    BusFactory
	routes    []server.RouteRegistrar
	callbacks gateway.Callbacks

	mu      sync.Mutex
	state   State
	started bool
	addr    net.Addr

	router  atomic.Pointer[server.Server]
	gateway atomic.Pointer[gateway.Gateway]
	adapter atomic.Pointer[broadcast.Adapter]

	// gatewayHandler holds the gateway behind the router's edge middleware.
	gatewayHandler atomic.Value

	stopListen context.CancelFunc
	listenDone chan struct{}
	listenErr  error
}

// New validates cfg and prepares a sequencer in the idle state.
func New(deps Deps) (*Sequencer, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	s := &Sequencer{
		cfg:       deps.Config,
		logger:    logger,
		metrics:   recorder,
		busFor:    deps.Bus,
		routes:    deps.Routes,
		callbacks: deps.Callbacks,
	}
	if s.busFor == nil {
		busCfg := deps.Config.Bus
		busLogger := logging.WithComponent(logger, "bus")
		s.busFor = func(context.Context) (broadcast.Bus, error) {
			return NewBus(busCfg, busLogger)
		}
	}
	recorder.SetBootstrapState(StateIdle.String())
	return s, nil
}

// NewBus builds the bus selected by cfg. The memory driver links to a
// channel private to this process.
func NewBus(cfg config.BusConfig, logger *slog.Logger) (broadcast.Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.BusMemory:
		return broadcast.NewMemoryChannel(0).Bus(), nil
	case config.BusRedis:
		bus, err := broadcast.NewRedisBus(broadcast.RedisConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			MasterName: cfg.MasterName,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Channel:    cfg.Channel,
			PoolSize:   cfg.PoolSize,
			TLS: broadcast.RedisTLSConfig{
				CAFile:             cfg.TLS.CAFile,
				CertFile:           cfg.TLS.CertFile,
				KeyFile:            cfg.TLS.KeyFile,
				ServerName:         cfg.TLS.ServerName,
				InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
	}
}

// State returns the current lifecycle state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound listener address, or nil before the listener starts.
func (s *Sequencer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Gateway returns the attached gateway, or nil before it is attached.
func (s *Sequencer) Gateway() *gateway.Gateway {
	return s.gateway.Load()
}

func (s *Sequencer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.metrics.SetBootstrapState(state.String())
	s.logger.Debug("bootstrap state changed", "state", state.String())
}

type step struct {
	name  string
	state State
	run   func(ctx context.Context) error
}

// Start runs every step in order. On the first failure the sequencer moves to
// StateFailed, tears down whatever already started and returns the error.
func (s *Sequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	steps := []step{
		{"security", StateSecurityConfigured, s.configureSecurity},
		{"standard", StateStandardConfigured, s.configureStandard},
		{"routes", StateRoutesConfigured, s.configureRoutes},
		{"error_handling", StateErrorHandlingConfigured, s.configureErrorHandling},
		{"listener", StateListenerStarted, s.startListener},
		{"gateway", StateGatewayAttached, s.attachGateway},
		{"adapter", StateAdapterAttached, s.attachAdapter},
	}
	for _, st := range steps {
		if err := st.run(ctx); err != nil {
			s.setState(StateFailed)
			s.logger.Error("bootstrap aborted", "step", st.name, "error", err)
			s.teardown(context.Background())
			return fmt.Errorf("bootstrap %s: %w", st.name, err)
		}
		s.setState(st.state)
	}
	s.setState(StateRunning)
	s.logger.Info("relaycast running",
		"addr", s.Addr().String(),
		"gateway_path", s.cfg.Gateway.Path,
		"bus", s.cfg.Bus.Driver,
		"mode", s.cfg.Mode)
	return nil
}

func (s *Sequencer) configureSecurity(context.Context) error {
	router := server.New(server.Config{Logger: s.logger, Metrics: s.metrics})
	security := server.SecurityConfig{EnableHSTS: s.cfg.Production()}
	if err := router.ApplySecurity(security, server.CORSConfig{Origins: s.cfg.CORS.Origins}); err != nil {
		return err
	}
	s.router.Store(router)
	return nil
}

func (s *Sequencer) configureStandard(context.Context) error {
	sessions, err := session.NewManager(session.Config{
		Keys:   s.cfg.Session.Keys,
		MaxAge: s.cfg.Session.MaxAge,
		Secure: s.cfg.Production(),
		Logger: logging.WithComponent(s.logger, "session"),
	})
	if err != nil {
		return fmt.Errorf("configure sessions: %w", err)
	}
	return s.router.Load().ApplyStandard(server.StandardConfig{
		BodyLimit:  s.cfg.Server.BodyLimit,
		Sessions:   sessions,
		QuietPaths: []string{"/healthz", "/metrics"},
	})
}

func (s *Sequencer) configureRoutes(context.Context) error {
	registrars := []server.RouteRegistrar{
		server.HealthRoutes(
			server.HealthCheck{Component: "gateway", Check: s.pingGateway},
			server.HealthCheck{Component: "bus", Check: s.pingBus},
		),
		server.MetricsRoutes(s.metrics),
	}
	registrars = append(registrars, s.routes...)
	return s.router.Load().RegisterRoutes(registrars...)
}

func (s *Sequencer) configureErrorHandling(context.Context) error {
	return s.router.Load().ApplyErrorHandling()
}

func (s *Sequencer) startListener(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:     s.cfg.ListenAddr(),
		Handler:  s,
		ErrorLog: slog.NewLogLogger(logging.WithComponent(s.logger, "http").Handler(), slog.LevelWarn),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan struct{})
	go func() {
		err := serverutil.Run(runCtx, serverutil.Config{
			Server:          httpServer,
			TLS:             serverutil.TLSConfig{CertFile: s.cfg.Server.TLSCert, KeyFile: s.cfg.Server.TLSKey},
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
			Ready:           ready,
		})
		s.mu.Lock()
		s.listenErr = err
		s.mu.Unlock()
		close(done)
	}()

	select {
	case addr := <-ready:
		s.mu.Lock()
		s.addr = addr
		s.stopListen = cancel
		s.listenDone = done
		s.mu.Unlock()
		s.logger.Info("listener started", "addr", addr.String())
		return nil
	case <-done:
		cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.listenErr
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Sequencer) attachGateway(context.Context) error {
	patterns, err := server.OriginHosts(s.cfg.CORS.Origins)
	if err != nil {
		return err
	}
	gw := gateway.New(gateway.Config{
		OriginPatterns:    patterns,
		HeartbeatInterval: s.cfg.Gateway.HeartbeatInterval,
		SendQueue:         s.cfg.Gateway.SendQueue,
		Callbacks:         s.callbacks,
		Logger:            logging.WithComponent(s.logger, "gateway"),
		Metrics:           s.metrics,
	})
	s.gateway.Store(gw)
	s.gatewayHandler.Store(s.router.Load().Wrap(gw))
	return nil
}

func (s *Sequencer) attachAdapter(ctx context.Context) error {
	bus, err := s.busFor(ctx)
	if err != nil {
		return fmt.Errorf("build bus: %w", err)
	}
	adapter, err := broadcast.NewAdapter(broadcast.AdapterConfig{
		Bus:            bus,
		Target:         s.gateway.Load(),
		ConnectTimeout: s.cfg.Bus.ConnectTimeout,
		Logger:         s.logger,
		Metrics:        s.metrics,
	})
	if err != nil {
		_ = bus.Close()
		return err
	}
	if err := adapter.Attach(ctx); err != nil {
		_ = adapter.Close()
		return err
	}
	s.adapter.Store(adapter)
	return nil
}

// ServeHTTP routes the gateway path to the gateway and everything else to
// the router. Until each is ready it answers ServiceUnavailable.
func (s *Sequencer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == s.cfg.Gateway.Path {
		handler, ok := s.gatewayHandler.Load().(http.Handler)
		if !ok {
			apierror.Write(w, apierror.ServiceUnavailable("gateway not ready"))
			return
		}
		handler.ServeHTTP(w, r)
		return
	}
	router := s.router.Load()
	if router == nil || router.Stage() != server.StageErrorHandling {
		apierror.Write(w, apierror.ServiceUnavailable("server not ready"))
		return
	}
	router.Handler().ServeHTTP(w, r)
}

func (s *Sequencer) pingGateway(ctx context.Context) error {
	gw := s.gateway.Load()
	if gw == nil {
		return errors.New("gateway not attached")
	}
	return gw.Ping(ctx)
}

func (s *Sequencer) pingBus(ctx context.Context) error {
	adapter := s.adapter.Load()
	if adapter == nil {
		return errors.New("broadcast adapter not attached")
	}
	return adapter.Ping(ctx)
}

// Wait blocks until the listener stops and returns its error. It returns
// immediately when the listener never started.
func (s *Sequencer) Wait() error {
	s.mu.Lock()
	done := s.listenDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenErr
}

// Shutdown closes the adapter, the gateway and the listener in that order and
// moves to StateStopped.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.teardown(ctx)
	s.setState(StateStopped)
	s.logger.Info("relaycast stopped")
	return err
}

func (s *Sequencer) teardown(ctx context.Context) error {
	var errs []error
	if adapter := s.adapter.Swap(nil); adapter != nil {
		if err := adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adapter: %w", err))
		}
	}
	if gw := s.gateway.Load(); gw != nil {
		if err := gw.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close gateway: %w", err))
		}
	}

	s.mu.Lock()
	stop := s.stopListen
	done := s.listenDone
	s.stopListen = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("stop listener: %w", ctx.Err()))
		}
	}
	return errors.Join(errs...)
}
