package broker

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultChannel is the pub/sub channel all chat fan-out traffic flows over
// unless the configuration overrides it.
const DefaultChannel = "chat:events"

// Message is the unit of fan-out replicated between server instances.
// An event broadcast on one instance is wrapped in a Message, published to
// the bus, and replayed by every other instance as a local emit-to-all.
// ServerID identifies the originating instance so it can skip its own
// publications (it already emitted locally before publishing).
type Message struct {
	ServerID  string          `json:"server_id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalBinary implements encoding.BinaryMarshaler so Message can be passed
// directly to Redis commands.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker abstracts the broadcast bus. Delivery is at-least-once:
// subscribers may see duplicates after transport hiccups, but a successful
// Publish means every live subscriber will eventually receive the message.
// Publish order is preserved per publisher on a given channel; there is no
// ordering guarantee across publishers.
type MessageBroker interface {
	// Publish sends a message to the specified channel.
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe starts listening for messages on the specified channel.
	// The returned channel is closed when ctx is cancelled or the broker closes.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	// Type returns a short identifier for metrics labels ("redis", "kafka", "memory").
	Type() string
	// Close cleans up resources.
	Close() error
}
