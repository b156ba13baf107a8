package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
)

// DefaultStreamThrottle bounds card refreshes to one per interval while
// a turn is streaming.
const DefaultStreamThrottle = 500 * time.Millisecond

// FlushFunc delivers a snapshot of accumulated output to the chat
// surface. It runs outside the coalescer lock; delivery is best-effort.
type FlushFunc func(out *domain.BufferedOutput)

type streamBuffer struct {
	out       *domain.BufferedOutput
	lastFlush time.Time
	timer     Timer
	scheduled bool
}

// Coalescer accumulates incremental agent output per conversation and
// rate-limits UI refreshes with trailing-edge coalescing: many mutations
// inside one throttle interval produce exactly one refresh reflecting the
// cumulative state at flush time.
type Coalescer struct {
	mu       sync.Mutex
	sched    Scheduler
	interval time.Duration
	flush    FlushFunc
	buffers  map[string]*streamBuffer
}

// NewCoalescer creates a coalescer that delivers refreshes through flush.
// An interval <= 0 falls back to DefaultStreamThrottle.
func NewCoalescer(sched Scheduler, interval time.Duration, flush FlushFunc) *Coalescer {
	if interval <= 0 {
		interval = DefaultStreamThrottle
	}
	return &Coalescer{
		sched:    sched,
		interval: interval,
		flush:    flush,
		buffers:  make(map[string]*streamBuffer),
	}
}

// Open creates the accumulation buffer for a turn. An existing buffer for
// the same key is discarded along with any pending refresh.
func (c *Coalescer) Open(key, chatRef, sessionRef, anchorMsgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.buffers[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	c.buffers[key] = &streamBuffer{
		out: &domain.BufferedOutput{
			ConversationKey: key,
			ChatRef:         chatRef,
			SessionRef:      sessionRef,
			AnchorMsgID:     anchorMsgID,
			Status:          domain.TurnProcessing,
		},
	}
}

// AppendText accumulates an answer-text delta and requests a refresh.
func (c *Coalescer) AppendText(key, delta string) {
	c.withBuffer(key, func(b *streamBuffer) {
		b.out.Answer += delta
	})
}

// AppendReasoning accumulates a reasoning delta and requests a refresh.
func (c *Coalescer) AppendReasoning(key, delta string) {
	c.withBuffer(key, func(b *streamBuffer) {
		b.out.Reasoning += delta
	})
}

// AddTool records a new tool invocation in pending state. Repeated calls
// with the same name keep separate entries, preserving history.
func (c *Coalescer) AddTool(key, name string) {
	c.withBuffer(key, func(b *streamBuffer) {
		b.out.Tools = append(b.out.Tools, domain.ToolRun{
			Name:   name,
			Status: domain.ToolPending,
		})
	})
}

// SetToolStatus updates the most recent entry for name that has not yet
// reached a terminal state. Output, when non-empty, replaces the captured
// output for that entry.
func (c *Coalescer) SetToolStatus(key, name string, status domain.ToolStatus, output string) {
	c.withBuffer(key, func(b *streamBuffer) {
		for i := len(b.out.Tools) - 1; i >= 0; i-- {
			t := &b.out.Tools[i]
			if t.Name != name || t.Status.Terminal() {
				continue
			}
			t.Status = status
			if output != "" {
				t.Output = output
			}
			return
		}
		slog.Debug("Tool status update with no matching entry",
			"conversation_key", key, "tool", name, "status", status)
	})
}

// SetStatus sets the overall turn status. A terminal status cancels any
// pending timer and refreshes synchronously, so the final card reflects
// final state without waiting out the throttle window.
func (c *Coalescer) SetStatus(key string, status domain.TurnStatus) {
	c.mu.Lock()
	b, ok := c.buffers[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	b.out.Status = status
	if !status.Terminal() {
		c.requestRefreshLocked(b)
		c.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.scheduled = false
	}
	snapshot := c.flushLocked(b, true)
	c.mu.Unlock()
	if snapshot != nil {
		c.flush(snapshot)
	}
}

// Snapshot returns a copy of the accumulated output, or nil when no
// buffer is open for key.
func (c *Coalescer) Snapshot(key string) *domain.BufferedOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[key]
	if !ok {
		return nil
	}
	return b.out.Clone()
}

// SetCardMsgID records the surface message the streaming card lives in,
// so later refreshes update in place.
func (c *Coalescer) SetCardMsgID(key, msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[key]; ok {
		b.out.CardMsgID = msgID
	}
}

// Close discards the buffer and cancels any pending refresh. Mutations
// for a closed key are ignored.
func (c *Coalescer) Close(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[key]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(c.buffers, key)
	}
}

func (c *Coalescer) withBuffer(key string, mutate func(*streamBuffer)) {
	c.mu.Lock()
	b, ok := c.buffers[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	mutate(b)
	snapshot := c.requestRefreshLocked(b)
	c.mu.Unlock()
	if snapshot != nil {
		c.flush(snapshot)
	}
}

// requestRefreshLocked applies the throttle policy: refresh immediately
// when the interval has already elapsed, otherwise schedule exactly one
// trailing refresh for the remainder of the window. Returns a snapshot
// to deliver, or nil when the refresh was deferred or skipped.
func (c *Coalescer) requestRefreshLocked(b *streamBuffer) *domain.BufferedOutput {
	if b.scheduled {
		return nil
	}
	now := c.sched.Now()
	elapsed := now.Sub(b.lastFlush)
	if b.lastFlush.IsZero() || elapsed >= c.interval {
		return c.flushLocked(b, false)
	}

	key := b.out.ConversationKey
	b.scheduled = true
	b.timer = c.sched.AfterFunc(c.interval-elapsed, func() {
		c.fireScheduled(key, b)
	})
	return nil
}

// fireScheduled runs the trailing-edge refresh. The buffer is re-checked
// by identity so a fire racing Close or a reopened key is dropped.
func (c *Coalescer) fireScheduled(key string, b *streamBuffer) {
	c.mu.Lock()
	current, ok := c.buffers[key]
	if !ok || current != b {
		c.mu.Unlock()
		return
	}
	b.scheduled = false
	snapshot := c.flushLocked(b, false)
	c.mu.Unlock()
	if snapshot != nil {
		c.flush(snapshot)
	}
}

// flushLocked stamps the refresh and returns the snapshot to deliver.
// A refresh with zero accumulated content is skipped unless forced.
func (c *Coalescer) flushLocked(b *streamBuffer, forced bool) *domain.BufferedOutput {
	b.lastFlush = c.sched.Now()
	if b.out.Empty() && !forced {
		return nil
	}
	return b.out.Clone()
}
