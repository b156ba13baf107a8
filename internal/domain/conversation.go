// Package domain contains core domain types for cardbridge.
package domain

import (
	"encoding/json"
	"time"
)

// DefaultLedgerCap is the maximum number of interaction records kept per
// conversation. The oldest record is evicted first.
const DefaultLedgerCap = 20

// TurnKind classifies a completed turn in the interaction ledger.
type TurnKind string

const (
	// TurnNormal is a plain prompt/response exchange.
	TurnNormal TurnKind = "normal"
	// TurnQuestionPrompt records the agent posing a question set.
	TurnQuestionPrompt TurnKind = "question_prompt"
	// TurnQuestionAnswer records the user answering a question set.
	TurnQuestionAnswer TurnKind = "question_answer"
)

// InteractionRecord is one completed turn in a conversation.
type InteractionRecord struct {
	// UserMsgID is the inbound chat-surface message that started the turn.
	UserMsgID string `json:"user_msg_id,omitempty"`
	// AgentMsgID is the agent-side message this turn would revert from.
	AgentMsgID string `json:"agent_msg_id,omitempty"`
	// BotMsgIDs are the chat-surface messages produced during the turn,
	// in send order.
	BotMsgIDs []string `json:"bot_msg_ids,omitempty"`
	Kind      TurnKind `json:"kind"`
	// UIState is an opaque snapshot of rendered card state, attached late
	// by the surface layer.
	UIState   json.RawMessage `json:"ui_state,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// HasBotMessage reports whether msgID was produced during this turn.
func (r *InteractionRecord) HasBotMessage(msgID string) bool {
	for _, id := range r.BotMsgIDs {
		if id == msgID {
			return true
		}
	}
	return false
}

// LastBotMsgID returns the newest surface message of the turn, or "".
func (r *InteractionRecord) LastBotMsgID() string {
	if len(r.BotMsgIDs) == 0 {
		return ""
	}
	return r.BotMsgIDs[len(r.BotMsgIDs)-1]
}

// Conversation is all per-thread state scoped by a conversation key.
// The key is opaque to cardbridge; it identifies one chat-surface thread.
type Conversation struct {
	Key        string `json:"key"`
	ChatRef    string `json:"chat_ref"`
	SessionRef string `json:"session_ref,omitempty"`

	// Optional per-conversation overrides.
	PreferredModel string `json:"preferred_model,omitempty"`
	PreferredAgent string `json:"preferred_agent,omitempty"`
	DeleteProtect  bool   `json:"delete_protect,omitempty"`

	// Records is the bounded interaction ledger, oldest first.
	Records []InteractionRecord `json:"records,omitempty"`

	// LastUserMsgID and LastBotMsgID are legacy derived pointers,
	// recomputed from the ledger tail on every mutation. They are
	// intentionally redundant with Records.
	LastUserMsgID string `json:"last_user_msg_id,omitempty"`
	LastBotMsgID  string `json:"last_bot_msg_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSession reports whether the conversation is bound to an agent session.
func (c *Conversation) HasSession() bool {
	return c.SessionRef != ""
}

// RecomputePointers rescans the ledger from the newest record backward and
// refreshes the legacy last-user/last-bot message pointers.
func (c *Conversation) RecomputePointers() {
	c.LastUserMsgID = ""
	c.LastBotMsgID = ""
	for i := len(c.Records) - 1; i >= 0; i-- {
		if c.LastUserMsgID == "" && c.Records[i].UserMsgID != "" {
			c.LastUserMsgID = c.Records[i].UserMsgID
		}
		if c.LastBotMsgID == "" {
			if id := c.Records[i].LastBotMsgID(); id != "" {
				c.LastBotMsgID = id
			}
		}
		if c.LastUserMsgID != "" && c.LastBotMsgID != "" {
			return
		}
	}
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Records = make([]InteractionRecord, len(c.Records))
	copy(cp.Records, c.Records)
	for i := range cp.Records {
		if ids := c.Records[i].BotMsgIDs; ids != nil {
			cp.Records[i].BotMsgIDs = append([]string(nil), ids...)
		}
	}
	return &cp
}
