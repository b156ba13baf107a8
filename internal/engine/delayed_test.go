package engine

import (
	"testing"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayedRegistryResolvesExactlyOnce(t *testing.T) {
	r := NewDelayedRegistry()

	var calls []*domain.TurnResult
	r.Register(PendingResolution{
		ConversationKey: "conv",
		SessionRef:      "sess-1",
		Callback:        func(res *domain.TurnResult) { calls = append(calls, res) },
		CreatedAt:       time.Now(),
	})

	res := &domain.TurnResult{SessionRef: "sess-1", Text: "late answer"}
	require.True(t, r.Resolve("conv", res))
	require.Len(t, calls, 1)
	assert.Equal(t, "late answer", calls[0].Text)

	// Second late delivery for the same key is dropped.
	assert.False(t, r.Resolve("conv", res))
	assert.Len(t, calls, 1)
}

func TestDelayedRegistryOverwritesPriorRegistration(t *testing.T) {
	r := NewDelayedRegistry()

	first, second := 0, 0
	r.Register(PendingResolution{
		ConversationKey: "conv",
		Callback:        func(*domain.TurnResult) { first++ },
	})
	r.Register(PendingResolution{
		ConversationKey: "conv",
		Callback:        func(*domain.TurnResult) { second++ },
	})

	r.Resolve("conv", &domain.TurnResult{})
	assert.Equal(t, 0, first, "overwritten callback must never fire")
	assert.Equal(t, 1, second)
}

func TestDelayedRegistryDropsResultWithNoListener(t *testing.T) {
	r := NewDelayedRegistry()
	assert.False(t, r.Resolve("conv", &domain.TurnResult{}))
}

func TestDelayedRegistryClear(t *testing.T) {
	r := NewDelayedRegistry()

	fired := false
	r.Register(PendingResolution{
		ConversationKey: "conv",
		Callback:        func(*domain.TurnResult) { fired = true },
	})

	require.True(t, r.Clear("conv"))
	assert.False(t, r.Clear("conv"))
	assert.False(t, r.Resolve("conv", &domain.TurnResult{}))
	assert.False(t, fired)
	assert.Nil(t, r.Pending("conv"))
}
