package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"relaycast/internal/gateway"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
)

// DefaultConnectTimeout bounds Attach when no timeout is configured.
const DefaultConnectTimeout = 5 * time.Second

var (
	// ErrAttached is returned when Attach is called twice.
	ErrAttached = errors.New("broadcast adapter already attached")
	// ErrNotAttached is returned by Deliver before Attach succeeded.
	ErrNotAttached = errors.New("broadcast adapter not attached")
)

// Target is the local delivery side of a gateway.
type Target interface {
	DeliverLocal(event gateway.Event) error
	SetDelivery(d gateway.Delivery)
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	Bus    Bus
	Target Target
	// InstanceID tags published envelopes. A random id is used when empty.
	InstanceID     string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Adapter replaces a gateway's local delivery with publication on the
// shared channel and feeds received events back into local delivery.
type Adapter struct {
	bus            Bus
	target         Target
	instanceID     string
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Recorder

	mu       sync.Mutex
	sub      Subscription
	attached bool
	closed   bool
	loopDone chan struct{}
}

// NewAdapter validates cfg. It does not touch the bus.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Bus == nil {
		return nil, errors.New("broadcast bus is required")
	}
	if cfg.Target == nil {
		return nil, errors.New("broadcast target is required")
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Adapter{
		bus:            cfg.Bus,
		target:         cfg.Target,
		instanceID:     instanceID,
		connectTimeout: timeout,
		logger:         logging.WithComponent(logger, "broadcast").With("instance_id", instanceID),
		metrics:        recorder,
	}, nil
}

// InstanceID returns the id stamped on envelopes published by this adapter.
func (a *Adapter) InstanceID() string {
	return a.instanceID
}

// Attach confirms the subscribe link and checks the publish link
// concurrently. Only when both are ready does it start receiving and install
// itself as the target's delivery strategy. On failure nothing is installed.
func (a *Adapter) Attach(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrBusClosed
	}
	if a.attached {
		return ErrAttached
	}

	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	var sub Subscription
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s, err := a.bus.Subscribe(gctx)
		if err != nil {
			a.metrics.ObserveBusError("subscribe")
			return fmt.Errorf("subscribe link: %w", err)
		}
		sub = s
		return nil
	})
	group.Go(func() error {
		if err := a.bus.Ping(gctx); err != nil {
			a.metrics.ObserveBusError("ping")
			return fmt.Errorf("publish link: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		if sub != nil {
			_ = sub.Close()
		}
		return err
	}

	a.sub = sub
	a.attached = true
	a.loopDone = make(chan struct{})
	go a.receive(sub, a.loopDone)
	a.target.SetDelivery(a)
	a.logger.Info("broadcast adapter attached")
	return nil
}

// Deliver publishes event on the shared channel. Local connections receive
// it when this instance's own subscription delivers it back.
func (a *Adapter) Deliver(ctx context.Context, event gateway.Event) error {
	a.mu.Lock()
	attached := a.attached && !a.closed
	a.mu.Unlock()
	if !attached {
		return ErrNotAttached
	}
	payload, err := json.Marshal(Envelope{Origin: a.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := a.bus.Publish(ctx, payload); err != nil {
		a.metrics.ObserveBusError("publish")
		return err
	}
	a.metrics.ObserveEvent(metrics.StagePublished, event.Type)
	return nil
}

func (a *Adapter) receive(sub Subscription, done chan struct{}) {
	defer close(done)
	for payload := range sub.Messages() {
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			a.metrics.ObserveBusError("decode")
			a.logger.Warn("discarding malformed broadcast payload", "error", err, "bytes", len(payload))
			continue
		}
		if err := envelope.Event.Validate(); err != nil {
			a.metrics.ObserveBusError("decode")
			a.logger.Warn("discarding malformed broadcast payload", "error", err, "origin", envelope.Origin)
			continue
		}
		a.metrics.ObserveEvent(metrics.StageReceived, envelope.Event.Type)
		if err := a.target.DeliverLocal(envelope.Event); err != nil {
			a.logger.Debug("local delivery failed", "error", err, "type", envelope.Event.Type)
		}
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if !closed {
		a.logger.Warn("broadcast subscription ended")
	}
}

// Ping checks the publish link.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.bus.Ping(ctx)
}

// Close restores local delivery, stops the receive loop and closes the bus.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	attached := a.attached
	sub := a.sub
	done := a.loopDone
	a.mu.Unlock()

	var errs []error
	if attached {
		a.target.SetDelivery(nil)
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription: %w", err))
		}
		<-done
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	return errors.Join(errs...)
}
