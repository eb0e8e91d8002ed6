package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBroker implements MessageBroker using Redis pub/sub. It can share the
// client used by the presence store and message cache, so a single Redis
// deployment serves as both the shared state store and the broadcast bus.
type RedisBroker struct {
	client *redis.Client
	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBroker creates a new Redis message broker on an existing client.
// The broker does not own the client; closing the broker only tears down
// its subscriptions.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends a message to the specified channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	if err := b.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", channel, err)
	}
	return nil
}

// Subscribe starts listening for messages on the specified channel.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	pubsub := b.client.Subscribe(ctx, channel)
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Receive forces the subscription handshake so a dead Redis surfaces
	// here instead of as a silently empty channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s failed: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
					log.Printf("Dropping undecodable bus message on %s: %v", channel, err)
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return messages, nil
}

// Type returns the broker type identifier.
func (b *RedisBroker) Type() string {
	return "redis"
}

// Close tears down all subscriptions created by this broker.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.subs = nil
	return firstErr
}
