package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MininduBimsara/SocketSphere/cache"
)

// ErrNotFound is returned when a lookup by identifier misses.
var ErrNotFound = errors.New("storage: not found")

// User is a durable user record, addressed by an opaque identifier.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// DurableStore is the boundary to the persistence service. The gateway calls
// it but treats every call as best-effort: presence and fan-out must keep
// working through a durable-store outage.
type DurableStore interface {
	// FindOrCreateUser returns the user record for a username, creating it
	// on first sight.
	FindOrCreateUser(ctx context.Context, username string) (*User, error)
	// SaveMessage persists a message and returns the stored copy with its
	// assigned identifier.
	SaveMessage(ctx context.Context, msg *cache.ChatMessage) (*cache.ChatMessage, error)
	// RecentMessages returns up to limit most recent messages, oldest first.
	RecentMessages(ctx context.Context, limit int) ([]cache.ChatMessage, error)
	// DeleteMessage removes a message by ID, or returns ErrNotFound.
	DeleteMessage(ctx context.Context, messageID string) error
}
