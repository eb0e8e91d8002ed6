package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/MininduBimsara/SocketSphere/config"
)

// NewRedisClient opens the shared Redis client used by the presence store,
// the message cache, and the redis broadcast bus.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		DB:          cfg.DB,
		Password:    cfg.Password,
		PoolSize:    cfg.PoolSize,
		PoolTimeout: time.Duration(cfg.PoolTimeout) * time.Second,
	})
	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
