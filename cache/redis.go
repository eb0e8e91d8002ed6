package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
)

const recentListKey = "messages:recent"

// RedisCache implements MessageCache on a Redis list. Append uses a
// MULTI/EXEC pipeline of RPUSH + LTRIM so the list never exceeds capacity
// from any reader's point of view.
type RedisCache struct {
	client   *redis.Client
	capacity int
}

// NewRedisCache creates a Redis-backed message cache holding at most
// capacity messages.
func NewRedisCache(client *redis.Client, capacity int) *RedisCache {
	return &RedisCache{client: client, capacity: capacity}
}

// Append pushes to the tail and trims the head atomically.
func (c *RedisCache) Append(ctx context.Context, msg *ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, recentListKey, data)
		pipe.LTrim(ctx, recentListKey, int64(-c.capacity), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to message cache: %w", err)
	}
	return nil
}

// ReadRecent returns up to limit most recent messages, oldest first. An
// empty list is reported as ErrCacheMiss: Redis cannot distinguish a cold
// cache from a room with no history, so the caller resolves that against
// the durable store.
func (c *RedisCache) ReadRecent(ctx context.Context, limit int) ([]ChatMessage, error) {
	if limit <= 0 || limit > c.capacity {
		limit = c.capacity
	}

	raw, err := c.client.LRange(ctx, recentListKey, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read message cache: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrCacheMiss
	}

	msgs := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			log.Printf("Skipping undecodable cached message: %v", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Warm replaces the window with msgs, capped to the newest capacity entries.
func (c *RedisCache) Warm(ctx context.Context, msgs []ChatMessage) error {
	if len(msgs) > c.capacity {
		msgs = msgs[len(msgs)-c.capacity:]
	}

	values := make([]interface{}, 0, len(msgs))
	for i := range msgs {
		data, err := json.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		values = append(values, data)
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recentListKey)
		if len(values) > 0 {
			pipe.RPush(ctx, recentListKey, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to warm message cache: %w", err)
	}
	return nil
}

// Invalidate removes the cached entry with the given message ID, if present.
func (c *RedisCache) Invalidate(ctx context.Context, messageID string) error {
	raw, err := c.client.LRange(ctx, recentListKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to scan message cache: %w", err)
	}

	for _, item := range raw {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		if msg.ID == messageID {
			if err := c.client.LRem(ctx, recentListKey, 1, item).Err(); err != nil {
				return fmt.Errorf("failed to invalidate cached message %s: %w", messageID, err)
			}
			return nil
		}
	}
	return nil
}
