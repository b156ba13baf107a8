package engine

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
)

// PermissionArbiter tracks at most one outstanding tool-permission
// request per actor, independent of the question flow. A second request
// for the same actor silently replaces the first. Expiry is checked
// lazily on lookup; CleanupExpired offers an eager sweep for callers
// running a maintenance tick.
type PermissionArbiter struct {
	mu        sync.Mutex
	sched     Scheduler
	timeout   time.Duration
	whitelist map[string]struct{}
	pending   map[string]*domain.PendingPermission
}

// NewPermissionArbiter creates an arbiter. Tools on the whitelist never
// generate a pending permission; matching is case-insensitive. A
// timeout <= 0 falls back to the default of 60s.
func NewPermissionArbiter(sched Scheduler, timeout time.Duration, whitelist []string) *PermissionArbiter {
	if timeout <= 0 {
		timeout = domain.DefaultPermissionTimeout
	}
	wl := make(map[string]struct{}, len(whitelist))
	for _, tool := range whitelist {
		wl[strings.ToLower(strings.TrimSpace(tool))] = struct{}{}
	}
	return &PermissionArbiter{
		sched:     sched,
		timeout:   timeout,
		whitelist: wl,
		pending:   make(map[string]*domain.PendingPermission),
	}
}

// IsWhitelisted reports whether tool is pre-approved.
func (a *PermissionArbiter) IsWhitelisted(tool string) bool {
	_, ok := a.whitelist[strings.ToLower(strings.TrimSpace(tool))]
	return ok
}

// AddPending stores the outstanding request for an actor, replacing any
// prior one without notice.
func (a *PermissionArbiter) AddPending(p domain.PendingPermission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.pending[p.ActorID]; ok {
		slog.Debug("Replacing outstanding permission request",
			"actor_id", p.ActorID, "prev_tool", prev.Tool, "tool", p.Tool)
	}
	a.pending[p.ActorID] = &p
}

// GetPending returns the actor's outstanding request, evicting and
// returning nil when it has outlived the timeout.
func (a *PermissionArbiter) GetPending(actorID string) *domain.PendingPermission {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[actorID]
	if !ok {
		return nil
	}
	if p.ExpiredAt(a.sched.Now(), a.timeout) {
		delete(a.pending, actorID)
		slog.Debug("Permission request expired on lookup",
			"actor_id", actorID, "tool", p.Tool)
		return nil
	}
	cp := *p
	return &cp
}

// RemovePending pops and returns the actor's request unconditionally,
// expired or not. Returns nil when none exists.
func (a *PermissionArbiter) RemovePending(actorID string) *domain.PendingPermission {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[actorID]
	if !ok {
		return nil
	}
	delete(a.pending, actorID)
	return p
}

// CleanupExpired sweeps all actors and evicts expired requests, returning
// the number removed.
func (a *PermissionArbiter) CleanupExpired() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.sched.Now()
	removed := 0
	for actor, p := range a.pending {
		if p.ExpiredAt(now, a.timeout) {
			delete(a.pending, actor)
			removed++
		}
	}
	return removed
}
