package broker

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process MessageBroker. It backs two scenarios:
// tests that simulate several server instances sharing one bus, and the
// degraded single-process mode the gateway falls back to when the configured
// transport is unreachable at startup. In degraded mode a cluster split
// yields independent single-server chat rooms instead of an outage.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

type memorySub struct {
	ch   chan Message
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBroker creates an in-process message broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySub)}
}

// Publish delivers the message to every current subscriber of the channel.
// Delivery blocks when a subscriber's buffer is full rather than dropping,
// preserving the no-loss contract; subscribers are expected to drain.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker is closed")
	}
	subs := make([]*memorySub, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new subscriber for the channel. The subscription is
// removed and its channel closed when ctx is cancelled or the broker closes.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	sub := &memorySub{ch: make(chan Message, 100)}
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(channel, sub)
		sub.close()
	}()

	return sub.ch, nil
}

func (b *MemoryBroker) remove(channel string, target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[channel]
	for i, sub := range subs {
		if sub == target {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Type returns the broker type identifier.
func (b *MemoryBroker) Type() string {
	return "memory"
}

// Close closes all subscriber channels.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.subs = make(map[string][]*memorySub)
	return nil
}
