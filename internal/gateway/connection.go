package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrConnectionClosed is returned when sending to a connection that has gone.
var ErrConnectionClosed = errors.New("connection closed")

// Connection is one open client link. It is created on handshake and
// discarded on disconnect; there is no reconnection.
type Connection struct {
	id         string
	remoteAddr string
	openedAt   time.Time

	gateway *Gateway
	ws      *websocket.Conn
	send    chan []byte
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// ID returns the connection identifier assigned at handshake.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the client address seen by the listener.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// OpenedAt returns when the handshake completed.
func (c *Connection) OpenedAt() time.Time {
	return c.openedAt
}

// Rooms lists the rooms the connection has joined.
func (c *Connection) Rooms() []string {
	var rooms []string
	c.gateway.hub.exec(func(s *hubState) {
		rooms = s.roomsOf(c)
	})
	sort.Strings(rooms)
	return rooms
}

// Send writes event to this connection only, waiting for queue space until
// ctx is done.
func (c *Connection) Send(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(outboundMessage{Type: "event", Event: &event})
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands payload to the write loop without blocking. A full queue
// drops the frame.
func (c *Connection) enqueue(payload []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Connection) sendError(message string) {
	if payload := encodeOutbound(outboundMessage{Type: "error", Error: message}); payload != nil {
		c.enqueue(payload)
	}
}

// terminate records the first failure and stops every loop of the connection.
func (c *Connection) terminate(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.cancel()
}

func (c *Connection) cause() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// shutdown performs the closing handshake with the given status. It is used
// when the gateway itself is closing.
func (c *Connection) shutdown(code websocket.StatusCode, reason string) {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
	})
	c.closed.Store(true)
	c.terminate(ErrConnectionClosed)
}

// drop closes the transport without waiting for the peer. It reports whether
// the closing handshake was still pending.
func (c *Connection) drop() bool {
	if c.closed.Load() {
		return false
	}
	c.closing.Store(true)
	_ = c.ws.CloseNow()
	c.terminate(ErrConnectionClosed)
	return true
}

func (c *Connection) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("write failed", "error", err)
				}
				c.terminate(err)
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("heartbeat failed", "error", err)
				}
				c.terminate(err)
				return
			}
		}
	}
}

func (c *Connection) readLoop() {
	for {
		typ, payload, err := c.ws.Read(c.ctx)
		if err != nil {
			c.terminate(err)
			return
		}
		if typ != websocket.MessageText {
			c.sendError("invalid payload")
			continue
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Type == "" {
			c.sendError("invalid payload")
			continue
		}
		c.gateway.handleFrame(c, frame)
	}
}
