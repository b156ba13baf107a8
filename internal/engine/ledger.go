package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/avereyev/cardbridge/internal/store"
)

// Ledger owns all per-conversation state: the bounded ring of completed
// turns plus conversation-level settings. It is the single process-wide
// table for conversation records; lookups are always by key.
//
// The in-memory table is authoritative for the process lifetime. Every
// mutation is written through to the repository best-effort; a store
// failure is logged and absorbed, so data is lost only on a crash.
type Ledger struct {
	mu    sync.Mutex
	repo  store.Repository
	cap   int
	convs map[string]*domain.Conversation
}

// NewLedger creates a ledger backed by the given repository. A cap <= 0
// falls back to the default of 20 records per conversation.
func NewLedger(repo store.Repository, recordCap int) *Ledger {
	if recordCap <= 0 {
		recordCap = domain.DefaultLedgerCap
	}
	return &Ledger{
		repo:  repo,
		cap:   recordCap,
		convs: make(map[string]*domain.Conversation),
	}
}

// GetOrCreate returns the conversation for key, loading it from the
// repository on first access or creating it when unknown.
func (l *Ledger) GetOrCreate(ctx context.Context, key, chatRef string) *domain.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getOrCreateLocked(ctx, key, chatRef).Clone()
}

// Get returns a copy of the conversation for key, or nil when it does
// not exist in memory or in the repository.
func (l *Ledger) Get(ctx context.Context, key string) *domain.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	conv := l.loadLocked(ctx, key)
	if conv == nil {
		return nil
	}
	return conv.Clone()
}

// Update applies fn to the conversation for key under the ledger lock and
// persists the result. The conversation is created if missing.
func (l *Ledger) Update(ctx context.Context, key, chatRef string, fn func(*domain.Conversation)) *domain.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	conv := l.getOrCreateLocked(ctx, key, chatRef)
	fn(conv)
	conv.UpdatedAt = time.Now()
	l.persistLocked(ctx, conv)
	return conv.Clone()
}

// Push appends a completed turn to the conversation's ledger, evicting
// the oldest record beyond the cap and recomputing the legacy pointers.
func (l *Ledger) Push(ctx context.Context, key, chatRef string, rec domain.InteractionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv := l.getOrCreateLocked(ctx, key, chatRef)
	conv.Records = append(conv.Records, rec)
	if len(conv.Records) > l.cap {
		conv.Records = conv.Records[len(conv.Records)-l.cap:]
	}
	conv.RecomputePointers()
	conv.UpdatedAt = time.Now()
	l.persistLocked(ctx, conv)
}

// Pop removes and returns the newest turn, recomputing the legacy
// pointers. It backs "undo last turn". Returns nil when the ledger is
// empty.
func (l *Ledger) Pop(ctx context.Context, key string) *domain.InteractionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv := l.loadLocked(ctx, key)
	if conv == nil || len(conv.Records) == 0 {
		return nil
	}
	rec := conv.Records[len(conv.Records)-1]
	conv.Records = conv.Records[:len(conv.Records)-1]
	conv.RecomputePointers()
	conv.UpdatedAt = time.Now()
	l.persistLocked(ctx, conv)
	return &rec
}

// FindByBotMessage returns a copy of the record whose surface messages
// contain msgID, resolving a button tap back to its owning turn.
func (l *Ledger) FindByBotMessage(ctx context.Context, key, msgID string) *domain.InteractionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv := l.loadLocked(ctx, key)
	if conv == nil {
		return nil
	}
	for i := range conv.Records {
		if conv.Records[i].HasBotMessage(msgID) {
			rec := conv.Records[i]
			return &rec
		}
	}
	return nil
}

// UpdateWhere applies mutate to the first record matching pred and
// persists the change. It reports whether a record matched. Used to
// attach late UI-state snapshots to an already-recorded turn.
func (l *Ledger) UpdateWhere(ctx context.Context, key string, pred func(*domain.InteractionRecord) bool, mutate func(*domain.InteractionRecord)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv := l.loadLocked(ctx, key)
	if conv == nil {
		return false
	}
	for i := range conv.Records {
		if pred(&conv.Records[i]) {
			mutate(&conv.Records[i])
			conv.RecomputePointers()
			conv.UpdatedAt = time.Now()
			l.persistLocked(ctx, conv)
			return true
		}
	}
	return false
}

// Reset removes the conversation entirely. It fails with
// ErrDeleteProtected when the conversation opted into protection.
func (l *Ledger) Reset(ctx context.Context, key string) (*domain.Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv := l.loadLocked(ctx, key)
	if conv == nil {
		return nil, nil
	}
	if conv.DeleteProtect {
		return nil, ErrDeleteProtected
	}
	delete(l.convs, key)
	if err := l.repo.DeleteConversation(ctx, key); err != nil {
		slog.Warn("Failed to delete persisted conversation",
			"conversation_key", key, "error", err)
	}
	return conv.Clone(), nil
}

func (l *Ledger) getOrCreateLocked(ctx context.Context, key, chatRef string) *domain.Conversation {
	if conv := l.loadLocked(ctx, key); conv != nil {
		if conv.ChatRef == "" {
			conv.ChatRef = chatRef
		}
		return conv
	}
	now := time.Now()
	conv := &domain.Conversation{
		Key:       key,
		ChatRef:   chatRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.convs[key] = conv
	return conv
}

// loadLocked returns the cached conversation, falling back to the
// repository on first access. A repository failure degrades to a cache
// miss so the process keeps serving from memory.
func (l *Ledger) loadLocked(ctx context.Context, key string) *domain.Conversation {
	if conv, ok := l.convs[key]; ok {
		return conv
	}
	conv, err := l.repo.GetConversation(ctx, key)
	if err != nil {
		slog.Warn("Failed to load conversation, treating as absent",
			"conversation_key", key, "error", err)
		return nil
	}
	if conv == nil {
		return nil
	}
	l.convs[key] = conv
	return conv
}

func (l *Ledger) persistLocked(ctx context.Context, conv *domain.Conversation) {
	if err := l.repo.UpsertConversation(ctx, conv); err != nil {
		slog.Warn("Failed to persist conversation, in-memory state remains authoritative",
			"conversation_key", conv.Key, "error", err)
	}
}
