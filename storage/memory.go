package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MininduBimsara/SocketSphere/cache"
)

// MemoryStore is a thread-safe in-memory DurableStore. It stands in for the
// external persistence service in tests and single-binary local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*User // keyed by username
	messages []cache.ChatMessage
}

// NewMemoryStore creates an empty in-memory durable store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (s *MemoryStore) FindOrCreateUser(ctx context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[username]; ok {
		copied := *user
		return &copied, nil
	}
	user := &User{
		ID:        uuid.New().String(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	s.users[username] = user
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg *cache.ChatMessage) (*cache.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, stored)
	copied := stored
	return &copied, nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, limit int) ([]cache.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.messages) {
		limit = len(s.messages)
	}
	out := make([]cache.ChatMessage, limit)
	copy(out, s.messages[len(s.messages)-limit:])
	return out, nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.messages {
		if msg.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
