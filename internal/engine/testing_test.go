package engine

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
)

// fakeScheduler drives virtual time so throttle and expiry behavior is
// deterministic in tests.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	sched    *fakeScheduler
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Unix(1700000000, 0)}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{sched: s, deadline: s.now.Add(d), fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves virtual time forward and fires due timers in deadline
// order, outside the scheduler lock.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.fired && !t.stopped && !t.deadline.After(s.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

func (s *fakeScheduler) pendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// fakeSurface records every delivery attempt.
type surfaceCall struct {
	op      string // "send_card", "update_card", "reply", "send_text"
	chatRef string
	msgID   string
	text    string
	card    Card
}

type fakeSurface struct {
	mu     sync.Mutex
	nextID int
	calls  []surfaceCall
}

func newFakeSurface() *fakeSurface { return &fakeSurface{} }

func (s *fakeSurface) SendCard(_ context.Context, chatRef string, card Card) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := "msg-" + strconv.Itoa(s.nextID)
	s.calls = append(s.calls, surfaceCall{op: "send_card", chatRef: chatRef, msgID: id, card: card})
	return id, nil
}

func (s *fakeSurface) UpdateCard(_ context.Context, msgID string, card Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, surfaceCall{op: "update_card", msgID: msgID, card: card})
	return nil
}

func (s *fakeSurface) Reply(_ context.Context, msgID, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := "msg-" + strconv.Itoa(s.nextID)
	s.calls = append(s.calls, surfaceCall{op: "reply", msgID: id, text: text})
	return id, nil
}

func (s *fakeSurface) SendText(_ context.Context, chatRef, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := "msg-" + strconv.Itoa(s.nextID)
	s.calls = append(s.calls, surfaceCall{op: "send_text", chatRef: chatRef, msgID: id, text: text})
	return id, nil
}

func (s *fakeSurface) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (s *fakeSurface) lastStream() *domain.BufferedOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].card.Stream != nil {
			return s.calls[i].card.Stream
		}
	}
	return nil
}

func (s *fakeSurface) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.op == "send_text" || c.op == "reply" {
			out = append(out, c.text)
		}
	}
	return out
}

// fakeBackend is a scriptable agent backend.
type questionReply struct {
	requestID string
	answers   [][]string
}

type permissionReply struct {
	requestID string
	approve   bool
}

type fakeBackend struct {
	mu         sync.Mutex
	sessionSeq int
	createErr  error
	replyErr   error

	// turnFn, when set, handles SendTurn; the default resolves
	// immediately with a canned result.
	turnFn func(ctx context.Context, sessionRef string, parts []string, model string) (*domain.TurnResult, error)

	replies  []questionReply
	perms    []permissionReply
	deleted  []string
	sessions []string
}

func newFakeBackend() *fakeBackend { return &fakeBackend{} }

func (b *fakeBackend) CreateSession(_ context.Context, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	b.sessionSeq++
	ref := "sess-" + strconv.Itoa(b.sessionSeq)
	b.sessions = append(b.sessions, ref)
	return ref, nil
}

func (b *fakeBackend) SendTurn(ctx context.Context, sessionRef string, parts []string, model string) (*domain.TurnResult, error) {
	b.mu.Lock()
	fn := b.turnFn
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, sessionRef, parts, model)
	}
	return &domain.TurnResult{
		SessionRef: sessionRef,
		AgentMsgID: "agent-msg-1",
		Text:       "done",
		Status:     domain.TurnCompleted,
	}, nil
}

func (b *fakeBackend) ReplyQuestion(_ context.Context, requestID string, answers [][]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replyErr != nil {
		return b.replyErr
	}
	b.replies = append(b.replies, questionReply{requestID: requestID, answers: answers})
	return nil
}

func (b *fakeBackend) RespondPermission(_ context.Context, requestID string, approve bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perms = append(b.perms, permissionReply{requestID: requestID, approve: approve})
	return nil
}

func (b *fakeBackend) DeleteSession(_ context.Context, sessionRef string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, sessionRef)
	return nil
}

func (b *fakeBackend) questionReplies() []questionReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]questionReply(nil), b.replies...)
}

func (b *fakeBackend) permissionReplies() []permissionReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]permissionReply(nil), b.perms...)
}
