package presence

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session   Session
	token     string
	expiresAt time.Time
}

// MemoryStore implements Store in process memory. Tests use one instance as
// the shared state store across simulated server processes; the gateway uses
// a private instance as the degraded local-only presence fallback when the
// shared store is unreachable.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

// NewMemoryStore creates an in-memory presence store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) MarkOnline(ctx context.Context, session *Session, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[session.UserID] = memoryEntry{
		session:   *session,
		token:     token,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) MarkOffline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

func (s *MemoryStore) Refresh(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	if !ok {
		return nil
	}
	entry.expiresAt = time.Now().Add(s.ttl)
	s.entries[userID] = entry
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	now := time.Now()
	for _, entry := range s.entries {
		if entry.expiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListOnline(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	online := make([]string, 0, len(s.entries))
	for userID, entry := range s.entries {
		if entry.expiresAt.After(now) {
			online = append(online, userID)
		} else {
			delete(s.entries, userID)
		}
	}
	return online, nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[userID]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return nil, ErrNotOnline
	}
	session := entry.session
	return &session, nil
}
