package broadcast

import (
	"context"
	"sync"
)

// MemoryChannel is an in-process stand-in for the shared channel. Several
// buses linked to the same MemoryChannel behave like instances sharing one
// Redis channel; it suits tests and single-process deployments.
type MemoryChannel struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

// NewMemoryChannel creates a channel whose subscriptions buffer up to buffer
// payloads before dropping.
func NewMemoryChannel(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryChannel{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

// Bus returns a new link pair to the channel. Closing it leaves other links
// untouched.
func (c *MemoryChannel) Bus() *MemoryBus {
	return &MemoryBus{
		channel: c,
		subs:    make(map[*memorySubscription]struct{}),
	}
}

func (c *MemoryChannel) publish(ctx context.Context, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sub := range c.subs {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking the publisher; receivers are
			// expected to drain promptly.
		}
	}
	return nil
}

// MemoryBus is one instance's link to a MemoryChannel.
type MemoryBus struct {
	channel *MemoryChannel

	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

func (b *MemoryBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *MemoryBus) Publish(ctx context.Context, payload []byte) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	return b.channel.publish(ctx, payload)
}

func (b *MemoryBus) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		channel: b.channel,
		bus:     b,
		ch:      make(chan []byte, b.channel.buffer),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.channel.mu.Lock()
	b.channel.subs[sub] = struct{}{}
	b.channel.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Ping(ctx context.Context) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	return ctx.Err()
}

// Close ends every subscription opened through this bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once    sync.Once
	channel *MemoryChannel
	bus     *MemoryBus
	ch      chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.channel.mu.Lock()
		delete(s.channel.subs, s)
		close(s.ch)
		s.channel.mu.Unlock()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return nil
}
