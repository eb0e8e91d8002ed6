package presence

import (
	"context"
	"errors"
	"time"
)

// ErrNotOnline is returned by Get when no live session exists for the user.
var ErrNotOnline = errors.New("presence: user is not online")

// Session records one user's active participation in the chat, independent
// of the specific connection serving it. The connection handle itself never
// leaves the owning instance; only this metadata is shared cluster-wide.
type Session struct {
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	DurableUserRef string    `json:"durableUserRef,omitempty"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// Store is the cluster-wide source of truth for "who is online". A user
// appears in the store iff some instance currently believes it holds a live
// connection for that user, modulo the TTL window after an ungraceful crash.
//
// Implementations must be safe for concurrent calls from different instances
// for different users without coordination; per-key atomicity suffices.
type Store interface {
	// MarkOnline upserts the session and its liveness token, stamping the TTL.
	MarkOnline(ctx context.Context, session *Session, token string) error
	// MarkOffline removes the user. Removing an absent user is a no-op.
	MarkOffline(ctx context.Context, userID string) error
	// Refresh extends the session TTL. Refreshing an absent user is a no-op.
	Refresh(ctx context.Context, userID string) error
	// Count returns the cardinality of the online set. Point-in-time snapshot,
	// eventually consistent across instances.
	Count(ctx context.Context) (int64, error)
	// ListOnline returns the user IDs currently marked online. May transiently
	// include users whose owning instance crashed, until TTL expiry reclaims them.
	ListOnline(ctx context.Context) ([]string, error)
	// Get returns the session for a user, or ErrNotOnline.
	Get(ctx context.Context, userID string) (*Session, error)
}
