package domain

import "time"

// RiskTier is the agent-declared risk level of a tool invocation.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// DefaultPermissionTimeout is how long a pending permission request stays
// answerable, measured from creation.
const DefaultPermissionTimeout = 60 * time.Second

// PendingPermission is a single outstanding tool-permission request for
// an actor. A second request for the same actor replaces the first.
type PendingPermission struct {
	ActorID     string    `json:"actor_id"`
	SessionRef  string    `json:"session_ref"`
	RequestID   string    `json:"request_id"`
	Tool        string    `json:"tool"`
	Description string    `json:"description,omitempty"`
	Risk        RiskTier  `json:"risk"`
	ChatRef     string    `json:"chat_ref"`
	CardMsgID   string    `json:"card_msg_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExpiredAt reports whether the request has expired at the given instant.
func (p *PendingPermission) ExpiredAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.CreatedAt) > timeout
}
