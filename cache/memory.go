package cache

import (
	"context"
	"sync"
)

// MemoryCache implements MessageCache in process memory. Tests use one
// instance as the cluster-shared window across simulated server processes.
type MemoryCache struct {
	mu       sync.RWMutex
	capacity int
	msgs     []ChatMessage
}

// NewMemoryCache creates an in-memory message cache holding at most
// capacity messages.
func NewMemoryCache(capacity int) *MemoryCache {
	return &MemoryCache{capacity: capacity}
}

func (c *MemoryCache) Append(ctx context.Context, msg *ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, *msg)
	if len(c.msgs) > c.capacity {
		c.msgs = c.msgs[len(c.msgs)-c.capacity:]
	}
	return nil
}

func (c *MemoryCache) ReadRecent(ctx context.Context, limit int) ([]ChatMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.msgs) == 0 {
		return nil, ErrCacheMiss
	}
	if limit <= 0 || limit > c.capacity {
		limit = c.capacity
	}
	if limit > len(c.msgs) {
		limit = len(c.msgs)
	}
	out := make([]ChatMessage, limit)
	copy(out, c.msgs[len(c.msgs)-limit:])
	return out, nil
}

func (c *MemoryCache) Warm(ctx context.Context, msgs []ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(msgs) > c.capacity {
		msgs = msgs[len(msgs)-c.capacity:]
	}
	c.msgs = make([]ChatMessage, len(msgs))
	copy(c.msgs, msgs)
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, msg := range c.msgs {
		if msg.ID == messageID {
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			return nil
		}
	}
	return nil
}
