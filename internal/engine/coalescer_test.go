package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes []*domain.BufferedOutput
}

func (r *flushRecorder) flush(out *domain.BufferedOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, out)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) last() *domain.BufferedOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flushes) == 0 {
		return nil
	}
	return r.flushes[len(r.flushes)-1]
}

func newTestCoalescer(t *testing.T) (*Coalescer, *fakeScheduler, *flushRecorder) {
	t.Helper()
	sched := newFakeScheduler()
	rec := &flushRecorder{}
	c := NewCoalescer(sched, 500*time.Millisecond, rec.flush)
	return c, sched, rec
}

func TestCoalescerCoalescesBurstIntoSingleTrailingRefresh(t *testing.T) {
	c, sched, rec := newTestCoalescer(t)
	c.Open("conv", "chat", "sess", "anchor")

	// First mutation refreshes immediately (nothing flushed yet).
	c.AppendText("conv", "a")
	require.Equal(t, 1, rec.count())

	// A burst inside the throttle window schedules exactly one trailing
	// refresh.
	c.AppendText("conv", "b")
	c.AppendReasoning("conv", "thinking")
	c.AppendText("conv", "c")
	assert.Equal(t, 1, rec.count())

	sched.Advance(500 * time.Millisecond)
	require.Equal(t, 2, rec.count())

	// The trailing refresh reflects cumulative state at flush time.
	last := rec.last()
	assert.Equal(t, "abc", last.Answer)
	assert.Equal(t, "thinking", last.Reasoning)
}

func TestCoalescerImmediateRefreshAfterQuietInterval(t *testing.T) {
	c, sched, rec := newTestCoalescer(t)
	c.Open("conv", "chat", "sess", "anchor")

	c.AppendText("conv", "a")
	require.Equal(t, 1, rec.count())

	sched.Advance(600 * time.Millisecond)
	c.AppendText("conv", "b")
	assert.Equal(t, 2, rec.count(), "mutation after the interval elapsed should refresh immediately")
}

func TestCoalescerTerminalStatusFlushesSynchronously(t *testing.T) {
	c, _, rec := newTestCoalescer(t)
	c.Open("conv", "chat", "sess", "anchor")

	c.AppendText("conv", "a")
	c.AppendText("conv", "b") // trailing refresh scheduled
	require.Equal(t, 1, rec.count())

	c.SetStatus("conv", domain.TurnCompleted)
	require.Equal(t, 2, rec.count(), "terminal status must not wait out the throttle window")
	assert.Equal(t, domain.TurnCompleted, rec.last().Status)
	assert.Equal(t, "ab", rec.last().Answer)
}

func TestCoalescerNoRefreshAfterClose(t *testing.T) {
	c, sched, rec := newTestCoalescer(t)
	c.Open("conv", "chat", "sess", "anchor")

	c.AppendText("conv", "a")
	c.AppendText("conv", "b") // trailing refresh pending
	c.Close("conv")

	sched.Advance(time.Second)
	assert.Equal(t, 1, rec.count(), "pending refresh must be cancelled by close")

	c.AppendText("conv", "late")
	c.SetStatus("conv", domain.TurnCompleted)
	assert.Equal(t, 1, rec.count(), "mutations for a closed key are ignored")
}

func TestCoalescerStaleTimerIgnoredAfterReopen(t *testing.T) {
	c, sched, rec := newTestCoalescer(t)
	c.Open("conv", "chat", "sess-1", "anchor")
	c.AppendText("conv", "a")
	c.AppendText("conv", "b") // schedules trailing refresh for the first buffer

	// Reopening discards the old buffer; its timer must not flush.
	c.Open("conv", "chat", "sess-2", "anchor2")
	sched.Advance(time.Second)
	require.Equal(t, 1, rec.count())

	c.AppendText("conv", "fresh")
	assert.Equal(t, "fresh", rec.last().Answer)
	assert.Equal(t, "sess-2", rec.last().SessionRef)
}

func TestCoalescerEmptyRefreshSkipsDelivery(t *testing.T) {
	c, _, rec := newTestCoalescer(t)
	c.Open("conv", "chat", "sess", "anchor")

	// Non-terminal status change with zero accumulated content: no call.
	c.SetStatus("conv", domain.TurnProcessing)
	assert.Equal(t, 0, rec.count())

	// Forced terminal refresh goes out even when empty.
	c.SetStatus("conv", domain.TurnFailed)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, domain.TurnFailed, rec.last().Status)
}

func TestCoalescerToolStatusTargetsNewestNonTerminalEntry(t *testing.T) {
	c, _, rec := newTestCoalescer(t)
	c.Open("conv", "chat", "sess", "anchor")

	c.AddTool("conv", "search")
	c.SetToolStatus("conv", "search", domain.ToolRunning, "")
	c.SetToolStatus("conv", "search", domain.ToolCompleted, "3 results")

	// Second invocation of the same tool gets its own entry; the
	// completed first entry must keep its history.
	c.AddTool("conv", "search")
	c.SetToolStatus("conv", "search", domain.ToolFailed, "timeout")

	c.SetStatus("conv", domain.TurnCompleted)
	last := rec.last()
	require.Len(t, last.Tools, 2)
	assert.Equal(t, domain.ToolCompleted, last.Tools[0].Status)
	assert.Equal(t, "3 results", last.Tools[0].Output)
	assert.Equal(t, domain.ToolFailed, last.Tools[1].Status)
	assert.Equal(t, "timeout", last.Tools[1].Output)
}

func TestCoalescerSnapshotIsACopy(t *testing.T) {
	c, _, _ := newTestCoalescer(t)
	c.Open("conv", "chat", "sess", "anchor")
	c.AddTool("conv", "read")

	snap := c.Snapshot("conv")
	require.NotNil(t, snap)
	snap.Tools[0].Status = domain.ToolFailed
	snap.Answer = "mutated"

	fresh := c.Snapshot("conv")
	assert.Equal(t, domain.ToolPending, fresh.Tools[0].Status)
	assert.Empty(t, fresh.Answer)
}
