package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/avereyev/cardbridge/internal/domain"
)

// ClassKind is the classifier's verdict for one inbound reply.
type ClassKind int

const (
	// ClassUnrecognized means the reply maps onto nothing; re-prompt.
	ClassUnrecognized ClassKind = iota
	// ClassSkip clears the current question's draft.
	ClassSkip
	// ClassCustom stores free text, overriding any selection.
	ClassCustom
	// ClassSelected stores option indices.
	ClassSelected
)

// Classification is the parsed form of a user reply to the current
// question.
type Classification struct {
	Kind    ClassKind
	Text    string
	Indices []int
}

// AnswerOutcome describes the flow position after an accepted answer.
type AnswerOutcome struct {
	// Submitted is true once the full batch was delivered to the backend
	// and the pending question destroyed.
	Submitted bool
	// NextIndex is the cursor position to prompt next when not submitted.
	NextIndex int
	// Answers echoes the submitted payload for ledger recording.
	Answers [][]string
}

// QuestionFlow walks the per-conversation question state machine:
// awaiting_answer(i) for each cursor position, then a single atomic batch
// submission. At most one pending question exists per conversation key;
// the caller layer rejects a new flow for an already-pending key.
type QuestionFlow struct {
	mu      sync.Mutex
	backend Backend
	pending map[string]*domain.PendingQuestion
}

// NewQuestionFlow creates a question flow engine submitting through
// backend.
func NewQuestionFlow(backend Backend) *QuestionFlow {
	return &QuestionFlow{
		backend: backend,
		pending: make(map[string]*domain.PendingQuestion),
	}
}

// Begin installs a new pending question for its conversation key with the
// cursor at the first question. Any prior entry for the key is replaced.
func (f *QuestionFlow) Begin(pq *domain.PendingQuestion) {
	pq.Cursor = 0
	pq.Drafts = make([]domain.DraftAnswer, len(pq.Questions))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[pq.ConversationKey] = pq
}

// Pending returns a copy of the pending question for key, or nil.
func (f *QuestionFlow) Pending(key string) *domain.PendingQuestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	pq, ok := f.pending[key]
	if !ok {
		return nil
	}
	cp := *pq
	cp.Questions = append([]domain.Question(nil), pq.Questions...)
	cp.Drafts = append([]domain.DraftAnswer(nil), pq.Drafts...)
	return &cp
}

// Cancel destroys the pending question without submission.
func (f *QuestionFlow) Cancel(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[key]; !ok {
		return false
	}
	delete(f.pending, key)
	return true
}

// HandleAnswer stores the classified answer as the draft for the current
// cursor position and advances the flow. Drafts are mutually exclusive: a
// custom text replaces a prior selection and vice versa, and a skip
// clears both. When the cursor would pass the final question the whole
// batch is submitted; on backend failure the state is not advanced and
// the pending question is preserved so the answer can be retried.
func (f *QuestionFlow) HandleAnswer(ctx context.Context, key string, cls Classification) (AnswerOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pq, ok := f.pending[key]
	if !ok {
		return AnswerOutcome{}, ErrNoPendingQuestion
	}

	switch cls.Kind {
	case ClassSkip:
		pq.Drafts[pq.Cursor] = domain.DraftAnswer{}
	case ClassCustom:
		pq.Drafts[pq.Cursor] = domain.DraftAnswer{Custom: cls.Text}
	case ClassSelected:
		pq.Drafts[pq.Cursor] = domain.DraftAnswer{Selected: cls.Indices}
	default:
		return AnswerOutcome{}, ErrUnrecognizedAnswer
	}

	if pq.Cursor < len(pq.Questions)-1 {
		pq.Cursor++
		return AnswerOutcome{NextIndex: pq.Cursor}, nil
	}

	answers := pq.ResolveAnswers()
	if err := f.backend.ReplyQuestion(ctx, pq.RequestID, answers); err != nil {
		// Cursor stays on the final question; a re-entrant answer (even a
		// skip) retries the submission.
		slog.Warn("Question answer submission failed, preserving pending question",
			"conversation_key", key, "request_id", pq.RequestID, "error", err)
		return AnswerOutcome{}, ErrSubmissionFailed
	}

	delete(f.pending, key)
	return AnswerOutcome{Submitted: true, Answers: answers}, nil
}
