// Package gateway accepts long-lived WebSocket connections and delivers
// events to them.
//
// A single hub goroutine owns the set of open connections and their room
// memberships. Emit hands events to the installed Delivery strategy; the
// default delivers in-process, and a broadcast adapter replaces it so events
// reach connections held by every instance.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"relaycast/internal/apierror"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
)

const (
	DefaultSendQueue    = 16
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 64 << 10
	DefaultCloseGrace   = 2 * time.Second

	// forcedCloseWait bounds how long Close waits for handlers after dropping
	// connections that did not finish the closing handshake.
	forcedCloseWait = time.Second
)

// ErrGatewayClosed is returned once Close has been called.
var ErrGatewayClosed = errors.New("gateway closed")

// Delivery moves an emitted event to its recipients.
type Delivery interface {
	Deliver(ctx context.Context, event Event) error
}

// DeliveryFunc adapts a function to Delivery.
type DeliveryFunc func(ctx context.Context, event Event) error

func (f DeliveryFunc) Deliver(ctx context.Context, event Event) error { return f(ctx, event) }

// Callbacks are optional connection lifecycle hooks. They run on the
// connection's goroutines, never on the hub.
type Callbacks struct {
	OnConnect func(ctx context.Context, c *Connection)
	// OnEvent receives client frames other than join and leave. A returned
	// error is reported to the client as an error frame.
	OnEvent      func(ctx context.Context, c *Connection, frame Frame) error
	OnDisconnect func(c *Connection, err error)
}

// Config configures a Gateway.
type Config struct {
	// OriginPatterns lists host patterns allowed to open cross-origin
	// connections. Same-origin requests are always accepted.
	OriginPatterns []string
	// HeartbeatInterval controls how often ping frames are sent. A zero
	// value disables heartbeats.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// CloseGrace bounds the going-away handshake performed by Close. Peers
	// that have not answered by then are dropped.
	CloseGrace time.Duration
	SendQueue  int
	ReadLimit  int64
	Callbacks  Callbacks
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Gateway accepts connections and fans events out to them.
type Gateway struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	hub     *hub

	delivery atomic.Pointer[Delivery]

	// mu orders conns.Add against the closed flag so Close never waits on a
	// counter that can still grow.
	mu     sync.Mutex
	closed atomic.Bool
	conns  sync.WaitGroup
}

// New starts a gateway with local delivery installed.
func New(cfg Config) *Gateway {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		metrics: recorder,
		hub:     newHub(),
	}
	g.SetDelivery(nil)
	return g
}

// SetDelivery installs the strategy used by Emit. Nil restores local
// delivery.
func (g *Gateway) SetDelivery(d Delivery) {
	if d == nil {
		d = DeliveryFunc(func(_ context.Context, event Event) error {
			return g.DeliverLocal(event)
		})
	}
	g.delivery.Store(&d)
}

// Emit sends event through the installed delivery strategy.
func (g *Gateway) Emit(ctx context.Context, event Event) error {
	if g.closed.Load() {
		return ErrGatewayClosed
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	g.metrics.ObserveEvent(metrics.StageEmitted, event.Type)
	d := *g.delivery.Load()
	if err := d.Deliver(ctx, event); err != nil {
		g.logger.Warn("failed to deliver event", "type", event.Type, "room", event.Room, "error", err)
		return fmt.Errorf("deliver event: %w", err)
	}
	return nil
}

// DeliverLocal writes event to every matching connection held by this
// instance. Slow connections whose queue is full miss the event.
func (g *Gateway) DeliverLocal(event Event) error {
	payload, err := json.Marshal(outboundMessage{Type: "event", Event: &event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var delivered, dropped int
	ok := g.hub.exec(func(s *hubState) {
		for _, c := range s.recipients(event.Room) {
			if c.enqueue(payload) {
				delivered++
			} else {
				dropped++
			}
		}
	})
	if !ok {
		return ErrGatewayClosed
	}
	for i := 0; i < delivered; i++ {
		g.metrics.ObserveEvent(metrics.StageDelivered, event.Type)
	}
	if dropped > 0 {
		g.metrics.ObserveEvent(metrics.StageDropped, event.Type)
		g.logger.Debug("dropped event for slow connections", "type", event.Type, "dropped", dropped)
	}
	return nil
}

// Count reports the number of open connections.
func (g *Gateway) Count() int {
	var n int
	g.hub.exec(func(s *hubState) {
		n = len(s.conns)
	})
	return n
}

// Ping reports whether the gateway is accepting connections.
func (g *Gateway) Ping(context.Context) error {
	if g.closed.Load() {
		return ErrGatewayClosed
	}
	return nil
}

// ServeHTTP performs the handshake and serves the connection until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.closed.Load() {
		g.mu.Unlock()
		apierror.Write(w, apierror.ServiceUnavailable("gateway is shutting down"))
		return
	}
	g.conns.Add(1)
	g.mu.Unlock()
	defer g.conns.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		g.metrics.ConnectionRejected()
		g.logger.Warn("websocket handshake rejected",
			"error", err,
			"origin", r.Header.Get("Origin"),
			"remote_addr", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(g.cfg.ReadLimit)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(logging.ContextWithConnectionID(context.Background(), id))
	c := &Connection{
		id:         id,
		remoteAddr: r.RemoteAddr,
		openedAt:   time.Now().UTC(),
		gateway:    g,
		ws:         ws,
		send:       make(chan []byte, g.cfg.SendQueue),
		logger:     logging.WithContext(ctx, g.logger),
		ctx:        ctx,
		cancel:     cancel,
	}

	registered := false
	g.hub.exec(func(s *hubState) { registered = s.register(c) })
	if !registered {
		cancel()
		_ = ws.CloseNow()
		return
	}
	g.metrics.ConnectionOpened()
	c.logger.Info("connection opened", "remote_addr", c.remoteAddr)

	if g.cfg.Callbacks.OnConnect != nil {
		g.cfg.Callbacks.OnConnect(ctx, c)
	}

	go c.writeLoop(g.cfg.WriteTimeout)
	if g.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(g.cfg.HeartbeatInterval)
	}
	c.readLoop()

	g.disconnect(c)
}

func (g *Gateway) disconnect(c *Connection) {
	c.cancel()
	g.hub.exec(func(s *hubState) { s.unregister(c) })
	c.closeOnce.Do(func() {
		_ = c.ws.CloseNow()
	})
	g.metrics.ConnectionClosed()

	cause := c.cause()
	status := websocket.CloseStatus(cause)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || c.closing.Load() {
		c.logger.Info("connection closed", "status", status.String())
	} else {
		c.logger.Info("connection dropped", "error", cause)
	}
	if g.cfg.Callbacks.OnDisconnect != nil {
		g.cfg.Callbacks.OnDisconnect(c, cause)
	}
}

func (g *Gateway) handleFrame(c *Connection, frame Frame) {
	switch frame.Type {
	case frameJoin:
		if frame.Room == "" {
			c.sendError("room required")
			return
		}
		joined := false
		g.hub.exec(func(s *hubState) { joined = s.join(c, frame.Room) })
		if joined {
			c.enqueue(encodeOutbound(outboundMessage{Type: "joined", Room: frame.Room}))
		}
	case frameLeave:
		if frame.Room == "" {
			c.sendError("room required")
			return
		}
		g.hub.exec(func(s *hubState) { s.leave(c, frame.Room) })
		c.enqueue(encodeOutbound(outboundMessage{Type: "left", Room: frame.Room}))
	default:
		if g.cfg.Callbacks.OnEvent == nil {
			return
		}
		if err := g.cfg.Callbacks.OnEvent(c.ctx, c, frame); err != nil {
			c.sendError(err.Error())
		}
	}
}

// Close refuses new connections and closes every open connection with status
// going away. Peers get CloseGrace, cut short by ctx, to answer the closing
// handshake; the rest are dropped without one. Close then waits for the
// connection handlers and stops the hub.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed.CompareAndSwap(false, true) {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	var open []*Connection
	g.hub.exec(func(s *hubState) {
		open = s.drain()
	})

	handshakes := make(chan struct{})
	go func() {
		var group errgroup.Group
		for _, c := range open {
			c := c
			group.Go(func() error {
				c.shutdown(websocket.StatusGoingAway, "server shutting down")
				return nil
			})
		}
		_ = group.Wait()
		close(handshakes)
	}()

	grace := time.NewTimer(g.cfg.CloseGrace)
	defer grace.Stop()
	select {
	case <-handshakes:
	case <-grace.C:
		g.dropAll(open, "grace period elapsed")
	case <-ctx.Done():
		g.dropAll(open, "shutdown deadline reached")
	}

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-time.After(forcedCloseWait):
		err = errors.New("connection handlers still running after close")
	}
	g.hub.stop()
	return err
}

func (g *Gateway) dropAll(open []*Connection, reason string) {
	dropped := 0
	for _, c := range open {
		if c.drop() {
			dropped++
		}
	}
	if dropped > 0 {
		g.logger.Warn("dropped connections without closing handshake", "count", dropped, "reason", reason)
	}
}
