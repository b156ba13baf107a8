package store

import (
	"context"
	"sync"

	"github.com/avereyev/cardbridge/internal/domain"
)

// MemoryStore implements Repository with an in-process map. It backs
// tests and ephemeral deployments; nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*domain.Conversation
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*domain.Conversation)}
}

// GetConversation retrieves a conversation by key.
func (s *MemoryStore) GetConversation(_ context.Context, key string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[key]
	if !ok {
		return nil, nil
	}
	return conv.Clone(), nil
}

// UpsertConversation creates or replaces a conversation record.
func (s *MemoryStore) UpsertConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.Key] = conv.Clone()
	return nil
}

// DeleteConversation removes a conversation record.
func (s *MemoryStore) DeleteConversation(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, key)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
