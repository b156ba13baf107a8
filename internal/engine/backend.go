package engine

import (
	"context"

	"github.com/avereyev/cardbridge/internal/domain"
)

// Backend is the agent-backend port consumed by the engine. SendTurn
// blocks until the agent finishes the turn, which may be well past the
// engine's synchronous wait window; the engine races it against the
// window itself.
type Backend interface {
	// CreateSession opens a new agent session and returns its reference.
	CreateSession(ctx context.Context, title string) (string, error)

	// SendTurn delivers one user turn and blocks until the terminal
	// result. Parts are the message segments of the prompt.
	SendTurn(ctx context.Context, sessionRef string, parts []string, model string) (*domain.TurnResult, error)

	// ReplyQuestion submits the resolved answer batch for a question
	// request in one atomic call.
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error

	// RespondPermission answers an outstanding tool-permission request.
	RespondPermission(ctx context.Context, requestID string, approve bool) error

	// DeleteSession discards an agent session.
	DeleteSession(ctx context.Context, sessionRef string) error
}

// QuestionView is the render payload for one step of a question flow.
type QuestionView struct {
	Question *domain.Question
	Index    int
	Total    int
}

// Card is the abstract payload of a rendered chat card. Concrete JSON
// templates belong to the surface implementation; exactly one of the
// payload fields is set, matching Kind.
type Card struct {
	Kind       string // "stream", "question" or "permission"
	Stream     *domain.BufferedOutput
	Question   *QuestionView
	Permission *domain.PendingPermission
}

// Surface is the chat-surface port consumed by the engine. Delivery is
// best-effort; a failed update leaves the previously rendered card.
type Surface interface {
	// SendCard posts a new card to the chat and returns its message ref.
	SendCard(ctx context.Context, chatRef string, card Card) (string, error)

	// UpdateCard replaces the payload of an already-sent card.
	UpdateCard(ctx context.Context, msgID string, card Card) error

	// Reply posts text threaded under an existing message. Returns the
	// new message ref, or "" when the surface could not deliver.
	Reply(ctx context.Context, msgID, text string) (string, error)

	// SendText posts plain text to the chat.
	SendText(ctx context.Context, chatRef, text string) (string, error)
}
