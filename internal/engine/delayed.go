package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
)

// DelayedCallback consumes a turn result that arrived after the
// synchronous wait window.
type DelayedCallback func(res *domain.TurnResult)

// PendingResolution is one registered wait for a late turn result.
type PendingResolution struct {
	ConversationKey string
	ChatRef         string
	SessionRef      string
	Callback        DelayedCallback
	CreatedAt       time.Time
}

// DelayedRegistry holds callbacks for turns whose synchronous wait window
// expired. Entries never expire on their own; they live until resolved or
// explicitly cleared (a new synchronous turn for the same key clears any
// stale registration first).
type DelayedRegistry struct {
	mu      sync.Mutex
	pending map[string]*PendingResolution
}

// NewDelayedRegistry creates an empty registry.
func NewDelayedRegistry() *DelayedRegistry {
	return &DelayedRegistry{pending: make(map[string]*PendingResolution)}
}

// Register stores a pending resolution, overwriting any prior one for the
// same conversation key.
func (r *DelayedRegistry) Register(p PendingResolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.pending[p.ConversationKey]; ok {
		slog.Debug("Replacing delayed-response registration",
			"conversation_key", p.ConversationKey, "prev_session", prev.SessionRef)
	}
	r.pending[p.ConversationKey] = &p
}

// Resolve invokes the stored callback exactly once with the late result
// and removes the entry. It reports whether a callback was registered; a
// result with no listener is dropped.
func (r *DelayedRegistry) Resolve(key string, res *domain.TurnResult) bool {
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		slog.Debug("Late turn result with no registered listener, dropping",
			"conversation_key", key)
		return false
	}
	p.Callback(res)
	return true
}

// Clear removes a registration without invoking it, reporting whether one
// existed.
func (r *DelayedRegistry) Clear(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[key]; !ok {
		return false
	}
	delete(r.pending, key)
	return true
}

// Pending returns the registration for key, or nil.
func (r *DelayedRegistry) Pending(key string) *PendingResolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[key]
}
