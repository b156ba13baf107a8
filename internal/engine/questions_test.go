package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoQuestionFlow(backend Backend) (*QuestionFlow, *domain.PendingQuestion) {
	f := NewQuestionFlow(backend)
	pq := &domain.PendingQuestion{
		ConversationKey: "conv",
		RequestID:       "req-1",
		SessionRef:      "sess-1",
		Questions: []domain.Question{
			{Text: "Which region?", Options: []domain.QuestionOption{{Label: "eu-west"}, {Label: "us-east"}}},
			{Text: "Anything else?"},
		},
		CreatedAt: time.Now(),
	}
	f.Begin(pq)
	return f, pq
}

func TestQuestionFlowSelectedThenSkipSubmitsBatch(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	f, _ := twoQuestionFlow(backend)

	out, err := f.HandleAnswer(ctx, "conv", Classification{Kind: ClassSelected, Indices: []int{0}})
	require.NoError(t, err)
	assert.False(t, out.Submitted)
	assert.Equal(t, 1, out.NextIndex)

	out, err = f.HandleAnswer(ctx, "conv", Classification{Kind: ClassSkip})
	require.NoError(t, err)
	require.True(t, out.Submitted)

	replies := backend.questionReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, "req-1", replies[0].requestID)
	// Scenario A: selected option resolves to its label, the skipped
	// final question to an empty list.
	assert.Equal(t, [][]string{{"eu-west"}, {}}, replies[0].answers)

	assert.Nil(t, f.Pending("conv"), "pending question destroyed on successful submission")
}

func TestQuestionFlowSingleQuestionSkippedSubmitsEmptyAnswer(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	f := NewQuestionFlow(backend)
	f.Begin(&domain.PendingQuestion{
		ConversationKey: "conv",
		RequestID:       "req-2",
		Questions:       []domain.Question{{Text: "Proceed?"}},
	})

	out, err := f.HandleAnswer(ctx, "conv", Classification{Kind: ClassSkip})
	require.NoError(t, err)
	require.True(t, out.Submitted)

	replies := backend.questionReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, [][]string{{}}, replies[0].answers)
	assert.Nil(t, f.Pending("conv"))
}

func TestQuestionFlowCustomOverridesPriorSelection(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.replyErr = errors.New("backend down")
	f, _ := twoQuestionFlow(backend)

	_, err := f.HandleAnswer(ctx, "conv", Classification{Kind: ClassSelected, Indices: []int{1}})
	require.NoError(t, err)

	// Final answer fails to submit: state not advanced, question kept.
	_, err = f.HandleAnswer(ctx, "conv", Classification{Kind: ClassSelected, Indices: []int{0}})
	require.ErrorIs(t, err, ErrSubmissionFailed)
	pending := f.Pending("conv")
	require.NotNil(t, pending)
	assert.Equal(t, 1, pending.Cursor)

	// Retrying with custom text replaces the draft for that index.
	backend.mu.Lock()
	backend.replyErr = nil
	backend.mu.Unlock()
	out, err := f.HandleAnswer(ctx, "conv", Classification{Kind: ClassCustom, Text: "ship it"})
	require.NoError(t, err)
	require.True(t, out.Submitted)

	replies := backend.questionReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, [][]string{{"us-east"}, {"ship it"}}, replies[0].answers)
}

func TestQuestionFlowUnrecognizedLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f, _ := twoQuestionFlow(newFakeBackend())

	_, err := f.HandleAnswer(ctx, "conv", Classification{Kind: ClassUnrecognized})
	require.ErrorIs(t, err, ErrUnrecognizedAnswer)

	pending := f.Pending("conv")
	require.NotNil(t, pending)
	assert.Equal(t, 0, pending.Cursor)
}

func TestQuestionFlowAnswerWithoutPendingQuestion(t *testing.T) {
	f := NewQuestionFlow(newFakeBackend())
	_, err := f.HandleAnswer(context.Background(), "conv", Classification{Kind: ClassSkip})
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestQuestionFlowCancelDestroysPending(t *testing.T) {
	f, _ := twoQuestionFlow(newFakeBackend())
	require.True(t, f.Cancel("conv"))
	assert.False(t, f.Cancel("conv"))
	assert.Nil(t, f.Pending("conv"))
}
