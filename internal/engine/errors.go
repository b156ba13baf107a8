// Package engine implements the interactive turn engine: the state
// machines and timing policies that track an in-flight conversational
// turn between the chat surface and the agent backend.
package engine

import "errors"

var (
	// ErrBackendUnavailable indicates session creation or turn delivery
	// to the agent backend failed. The turn is aborted and surfaced to
	// the user.
	ErrBackendUnavailable = errors.New("agent backend unavailable")

	// ErrSubmissionFailed indicates a question-answer batch could not be
	// delivered. The pending question is preserved so the caller can
	// retry.
	ErrSubmissionFailed = errors.New("answer submission failed")

	// ErrUnrecognizedAnswer indicates the classifier could not map a
	// reply onto the current question. No state changes.
	ErrUnrecognizedAnswer = errors.New("unrecognized answer")

	// ErrNoPendingQuestion indicates an answer arrived for a conversation
	// with no question flow in progress.
	ErrNoPendingQuestion = errors.New("no pending question")

	// ErrQuestionPending indicates a new question flow was requested for
	// a conversation that already has one in progress.
	ErrQuestionPending = errors.New("question flow already pending")

	// ErrDeleteProtected indicates a reset was refused because the
	// conversation carries the delete-protection flag.
	ErrDeleteProtected = errors.New("conversation is delete-protected")
)
