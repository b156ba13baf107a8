package chat

import (
	"encoding/json"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/avereyev/cardbridge/internal/engine"
)

// inboundFrame is a message from a chat client.
type inboundFrame struct {
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id,omitempty"`
	Text    string          `json:"text,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
	Approve *bool           `json:"approve,omitempty"`
}

// outboundFrame is a message pushed to chat clients.
type outboundFrame struct {
	Type    string       `json:"type"`
	MsgID   string       `json:"msg_id,omitempty"`
	ReplyTo string       `json:"reply_to,omitempty"`
	Text    string       `json:"text,omitempty"`
	Card    *cardPayload `json:"card,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// cardPayload is the rendered card body. Exactly one of the kind-specific
// fields is set.
type cardPayload struct {
	Kind       string                    `json:"kind"`
	Stream     *domain.BufferedOutput    `json:"stream,omitempty"`
	Question   *questionPayload          `json:"question,omitempty"`
	Permission *domain.PendingPermission `json:"permission,omitempty"`
}

type questionPayload struct {
	Index       int      `json:"index"`
	Total       int      `json:"total"`
	Header      string   `json:"header,omitempty"`
	Text        string   `json:"text"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

func renderCard(card engine.Card) *cardPayload {
	p := &cardPayload{Kind: card.Kind}
	switch {
	case card.Stream != nil:
		p.Stream = card.Stream
	case card.Question != nil:
		q := card.Question.Question
		options := make([]string, 0, len(q.Options))
		for _, o := range q.Options {
			options = append(options, o.Label)
		}
		p.Question = &questionPayload{
			Index:       card.Question.Index,
			Total:       card.Question.Total,
			Header:      q.Header,
			Text:        q.Text,
			Options:     options,
			MultiSelect: q.MultiSelect,
		}
	case card.Permission != nil:
		p.Permission = card.Permission
	}
	return p
}
