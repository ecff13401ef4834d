// Package broadcast relays gateway events between relaycast instances over a
// shared publish/subscribe channel.
//
// Each instance holds two links to the channel: one that publishes and one
// that stays subscribed. An event emitted on any instance is published once
// and delivered locally by every subscribed instance, the publisher included.
package broadcast

import (
	"context"
	"errors"

	"relaycast/internal/gateway"
)

// DefaultChannel is the shared channel name used when none is configured.
const DefaultChannel = "relaycast:events"

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("broadcast bus closed")

// Bus is one instance's pair of links to the shared channel.
type Bus interface {
	// Publish sends payload to every subscriber of the channel.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns once the subscription has been confirmed.
	Subscribe(ctx context.Context) (Subscription, error)
	// Ping checks the publish link.
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is an active stream of channel payloads. Messages is closed
// when the subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Envelope is the wire form of an event on the shared channel.
type Envelope struct {
	Origin string        `json:"origin"`
	Event  gateway.Event `json:"event"`
}
