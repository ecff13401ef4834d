package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Event is an application event fanned out to connected clients. An empty
// Room addresses every open connection.
type Event struct {
	Type       string          `json:"type"`
	Room       string          `json:"room,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// ErrEventType is returned when an event has no type.
var ErrEventType = errors.New("event type is required")

// NewEvent builds an event carrying data marshalled as JSON.
func NewEvent(eventType, room string, data any) (Event, error) {
	event := Event{Type: eventType, Room: room, OccurredAt: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		event.Data = raw
	}
	return event, event.Validate()
}

// Validate checks the event can be delivered.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return ErrEventType
	}
	return nil
}

// Frame is a message received from a client.
type Frame struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	frameJoin  = "join"
	frameLeave = "leave"
)

// outboundMessage is the envelope written to clients.
type outboundMessage struct {
	Type  string `json:"type"`
	Room  string `json:"room,omitempty"`
	Error string `json:"error,omitempty"`
	Event *Event `json:"event,omitempty"`
}

func encodeOutbound(msg outboundMessage) []byte {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return payload
}
