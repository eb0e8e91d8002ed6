package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss signals that the recent-message window has not been populated.
// It is distinct from an empty-but-valid result: the caller is expected to
// fall back to the durable store and then Warm the cache best-effort.
var ErrCacheMiss = errors.New("cache: recent messages not populated")

// ChatMessage is one chat message as cached and broadcast. ID is assigned by
// the durable store on successful persistence; when persistence fails the
// gateway assigns a provisional ID and sets Provisional so clients can mark
// the message accordingly.
type ChatMessage struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Text        string    `json:"text"`
	Provisional bool      `json:"provisional,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessageCache is a bounded, ordered, cluster-visible window of the most
// recent messages, independent of any session's lifecycle. Implementations
// must keep the append+trim atomic: no reader may observe more than the
// configured capacity.
type MessageCache interface {
	// Append pushes a message to the tail and trims the head to capacity.
	Append(ctx context.Context, msg *ChatMessage) error
	// ReadRecent returns up to limit most recent messages, oldest first.
	// An unpopulated cache yields ErrCacheMiss.
	ReadRecent(ctx context.Context, limit int) ([]ChatMessage, error)
	// Warm replaces the window with msgs (oldest first), capped to capacity.
	Warm(ctx context.Context, msgs []ChatMessage) error
	// Invalidate removes the message with the given ID from the window.
	// A missing ID is a no-op.
	Invalidate(ctx context.Context, messageID string) error
}
