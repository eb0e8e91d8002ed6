package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	userKeyPrefix = "user:"
	onlineHashKey = "online:users"
)

// RedisStore implements Store on Redis. Key layout:
//
//	user:<userId>  -> session JSON, with TTL (crash-recovery safety net)
//	online:users   -> hash of userId -> liveness token
//
// The TTL on the session blob bounds staleness after an ungraceful instance
// crash to one TTL period. The hash has no per-field expiry, so expired
// members are reaped lazily when ListOnline observes a missing session blob.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed presence store. Sessions expire after
// ttl unless refreshed by activity.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func userKey(userID string) string {
	return userKeyPrefix + userID
}

// MarkOnline writes the session blob and the online-set entry atomically.
func (s *RedisStore) MarkOnline(ctx context.Context, session *Session, token string) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(session.UserID), data, s.ttl)
		pipe.HSet(ctx, onlineHashKey, session.UserID, token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s online: %w", session.UserID, err)
	}
	return nil
}

// MarkOffline removes the session blob and the online-set entry atomically.
// Removing an already-absent user is a no-op.
func (s *RedisStore) MarkOffline(ctx context.Context, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, userKey(userID))
		pipe.HDel(ctx, onlineHashKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", userID, err)
	}
	return nil
}

// Refresh extends the TTL of the session blob. Expire on a missing key is a
// no-op, which is the behavior we want for already-expired sessions.
func (s *RedisStore) Refresh(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, userKey(userID), s.ttl).Err()
}

// Count returns the cardinality of the online hash.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.HLen(ctx, onlineHashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return n, nil
}

// ListOnline returns the members of the online hash whose session blob still
// exists. Members whose blob expired (crashed instance) are reaped from the
// hash as a side effect.
func (s *RedisStore) ListOnline(ctx context.Context) ([]string, error) {
	userIDs, err := s.client.HKeys(ctx, onlineHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	if len(userIDs) == 0 {
		return []string{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.Exists(ctx, userKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check session liveness: %w", err)
	}

	online := make([]string, 0, len(userIDs))
	var expired []string
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			online = append(online, userIDs[i])
		} else {
			expired = append(expired, userIDs[i])
		}
	}

	if len(expired) > 0 {
		if err := s.client.HDel(ctx, onlineHashKey, expired...).Err(); err != nil {
			log.Printf("Failed to reap %d expired presence entries: %v", len(expired), err)
		}
	}

	return online, nil
}

// Get returns the session for a user, or ErrNotOnline if the blob is absent
// or expired.
func (s *RedisStore) Get(ctx context.Context, userID string) (*Session, error) {
	data, err := s.client.Get(ctx, userKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotOnline
		}
		return nil, fmt.Errorf("failed to get session for %s: %w", userID, err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session for %s: %w", userID, err)
	}
	return &session, nil
}
