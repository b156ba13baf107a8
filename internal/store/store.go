// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/avereyev/cardbridge/internal/domain"
)

// Repository is the persistence port for conversation state. It behaves
// as a synchronous read-through/write-through map keyed by conversation
// key; there are no multi-key transactional guarantees.
type Repository interface {
	// GetConversation retrieves a conversation by key. Returns (nil, nil)
	// when the key is unknown.
	GetConversation(ctx context.Context, key string) (*domain.Conversation, error)

	// UpsertConversation creates or replaces a conversation record.
	UpsertConversation(ctx context.Context, conv *domain.Conversation) error

	// DeleteConversation removes a conversation record. Deleting an
	// unknown key is not an error.
	DeleteConversation(ctx context.Context, key string) error

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases storage resources.
	Close() error
}
