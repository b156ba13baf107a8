package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
)

// DefaultWaitWindow is how long a turn waits for a synchronous result
// before handing off to the delayed-response registry.
const DefaultWaitWindow = 25 * time.Second

// UserMessage is one inbound user turn from the chat surface.
type UserMessage struct {
	ConversationKey string
	ChatRef         string
	ActorID         string
	MsgID           string
	Text            string
}

// QuestionRequest is an agent-posed question set arriving mid-turn.
type QuestionRequest struct {
	SessionRef string
	RequestID  string
	Questions  []domain.Question
}

// PermissionRequest is an agent request to run a non-whitelisted tool.
type PermissionRequest struct {
	SessionRef  string
	ActorID     string
	RequestID   string
	Tool        string
	Description string
	Risk        domain.RiskTier
}

// turnState tracks one in-flight turn between open and terminal flush.
type turnState struct {
	userMsgID string
	chatRef   string
	actorID   string
	botMsgIDs []string
}

// Options configures the turn engine.
type Options struct {
	Ledger     *Ledger
	Backend    Backend
	Surface    Surface
	Classifier Classifier
	Scheduler  Scheduler
	// WaitWindow <= 0 falls back to DefaultWaitWindow; StreamThrottle and
	// PermissionTimeout <= 0 fall back to their package defaults.
	WaitWindow        time.Duration
	StreamThrottle    time.Duration
	PermissionTimeout time.Duration
	WhitelistedTools  []string
}

// Engine is the interactive turn engine. It arbitrates inbound user
// events against the question flow, races agent turns against the
// synchronous wait window, and fans streaming progress into the update
// coalescer. All per-conversation state is keyed; callers never hold a
// record across a mutation that may evict it.
type Engine struct {
	ledger     *Ledger
	backend    Backend
	surface    Surface
	classifier Classifier
	sched      Scheduler
	coalescer  *Coalescer
	delayed    *DelayedRegistry
	questions  *QuestionFlow
	perms      *PermissionArbiter
	waitWindow time.Duration

	mu       sync.Mutex
	sessions map[string]string     // sessionRef -> conversation key
	turns    map[string]*turnState // conversation key -> active turn
}

// New creates a turn engine from the given collaborators.
func New(opts Options) *Engine {
	if opts.Classifier == nil {
		opts.Classifier = RuleClassifier{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler()
	}
	if opts.WaitWindow <= 0 {
		opts.WaitWindow = DefaultWaitWindow
	}
	e := &Engine{
		ledger:     opts.Ledger,
		backend:    opts.Backend,
		surface:    opts.Surface,
		classifier: opts.Classifier,
		sched:      opts.Scheduler,
		delayed:    NewDelayedRegistry(),
		questions:  NewQuestionFlow(opts.Backend),
		perms:      NewPermissionArbiter(opts.Scheduler, opts.PermissionTimeout, opts.WhitelistedTools),
		waitWindow: opts.WaitWindow,
		sessions:   make(map[string]string),
		turns:      make(map[string]*turnState),
	}
	e.coalescer = NewCoalescer(opts.Scheduler, opts.StreamThrottle, e.flushStream)
	return e
}

// Permissions exposes the permission arbiter for maintenance sweeps and
// the HTTP respond endpoint.
func (e *Engine) Permissions() *PermissionArbiter { return e.perms }

// Ledger exposes the interaction ledger for the admin API.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// HandleUserMessage processes one inbound user turn. A pending question
// takes priority over starting a new prompt.
func (e *Engine) HandleUserMessage(ctx context.Context, ev UserMessage) error {
	if pq := e.questions.Pending(ev.ConversationKey); pq != nil {
		return e.handleQuestionAnswer(ctx, ev, pq)
	}
	return e.startTurn(ctx, ev)
}

func (e *Engine) handleQuestionAnswer(ctx context.Context, ev UserMessage, pq *domain.PendingQuestion) error {
	current := pq.Current()
	if current == nil {
		// Should not happen: a pending question always has a valid cursor.
		e.questions.Cancel(ev.ConversationKey)
		return e.startTurn(ctx, ev)
	}

	cls := e.classifier.Classify(ev.Text, current)
	outcome, err := e.questions.HandleAnswer(ctx, ev.ConversationKey, cls)
	switch {
	case err == ErrUnrecognizedAnswer:
		e.replyText(ctx, ev, fmt.Sprintf(
			"I didn't catch that. Answer with an option number, free text, or \"skip\" (question %d of %d).",
			pq.Cursor+1, len(pq.Questions)))
		return nil
	case err == ErrSubmissionFailed:
		e.replyText(ctx, ev, "I couldn't deliver your answers to the agent. Send the last answer again to retry.")
		return err
	case err != nil:
		return err
	}

	if !outcome.Submitted {
		next := e.questions.Pending(ev.ConversationKey)
		e.sendQuestionCard(ctx, ev.ConversationKey, ev.ChatRef, next)
		return nil
	}

	replyID := e.replyText(ctx, ev, "Answers sent to the agent.")
	rec := domain.InteractionRecord{
		UserMsgID: ev.MsgID,
		Kind:      domain.TurnQuestionAnswer,
		CreatedAt: e.sched.Now(),
	}
	if replyID != "" {
		rec.BotMsgIDs = []string{replyID}
	}
	e.ledger.Push(ctx, ev.ConversationKey, ev.ChatRef, rec)
	return nil
}

//nolint:gocognit // The wait-window race and its two completion paths are kept inline.
func (e *Engine) startTurn(ctx context.Context, ev UserMessage) error {
	key := ev.ConversationKey

	// A new synchronous turn supersedes any stale delayed registration.
	if e.delayed.Clear(key) {
		slog.Info("Cleared stale delayed-response registration", "conversation_key", key)
	}

	conv := e.ledger.GetOrCreate(ctx, key, ev.ChatRef)
	if !conv.HasSession() {
		sessionRef, err := e.backend.CreateSession(ctx, ev.Text)
		if err != nil {
			e.sendText(ctx, ev.ChatRef, "The agent backend is unavailable right now. Please try again in a moment.")
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		conv = e.ledger.Update(ctx, key, ev.ChatRef, func(c *domain.Conversation) {
			c.SessionRef = sessionRef
		})
	}
	sessionRef := conv.SessionRef

	e.mu.Lock()
	e.sessions[sessionRef] = key
	e.turns[key] = &turnState{userMsgID: ev.MsgID, chatRef: ev.ChatRef, actorID: ev.ActorID}
	e.mu.Unlock()

	e.coalescer.Open(key, ev.ChatRef, sessionRef, ev.MsgID)

	resCh := make(chan *domain.TurnResult, 1)
	errCh := make(chan error, 1)
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := e.backend.SendTurn(sendCtx, sessionRef, []string{ev.Text}, conv.PreferredModel)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	windowCh := make(chan struct{})
	window := e.sched.AfterFunc(e.waitWindow, func() { close(windowCh) })

	select {
	case res := <-resCh:
		window.Stop()
		e.completeTurn(sendCtx, key, res)
		return nil

	case err := <-errCh:
		window.Stop()
		e.abortTurn(sendCtx, key, ev)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)

	case <-windowCh:
		// Not an error: hand the turn to the delayed-response registry and
		// keep the coalescer streaming in the background.
		e.delayed.Register(PendingResolution{
			ConversationKey: key,
			ChatRef:         ev.ChatRef,
			SessionRef:      sessionRef,
			Callback: func(res *domain.TurnResult) {
				e.completeTurn(context.WithoutCancel(ctx), key, res)
			},
			CreatedAt: e.sched.Now(),
		})
		if id := e.sendText(sendCtx, ev.ChatRef, "Still working on it — I'll follow up here when it's done."); id != "" {
			e.recordBotMsg(key, id)
		}
		go func() {
			select {
			case res := <-resCh:
				e.ResolveLate(sessionRef, res)
			case err := <-errCh:
				slog.Error("Delayed turn failed", "conversation_key", key, "error", err)
				e.ResolveLate(sessionRef, &domain.TurnResult{
					SessionRef: sessionRef,
					Status:     domain.TurnFailed,
					Error:      err.Error(),
				})
			}
		}()
		return nil
	}
}

// ResolveLate delivers a turn result that arrived out-of-band. A delivery
// with no registered listener is dropped, so resolving the same turn
// twice is a no-op.
func (e *Engine) ResolveLate(sessionRef string, res *domain.TurnResult) {
	key, ok := e.conversationFor(sessionRef)
	if !ok {
		slog.Debug("Late result for unknown session, dropping", "session_ref", sessionRef)
		return
	}
	e.delayed.Resolve(key, res)
}

// completeTurn flushes the terminal card, records the turn in the ledger
// and tears down per-turn state.
func (e *Engine) completeTurn(ctx context.Context, key string, res *domain.TurnResult) {
	// The final answer may never have streamed; make sure the terminal
	// card carries it.
	if res.Text != "" {
		if snap := e.coalescer.Snapshot(key); snap != nil && snap.Answer == "" {
			e.coalescer.AppendText(key, res.Text)
		}
	}
	status := res.Status
	if status == "" {
		status = domain.TurnCompleted
	}
	e.coalescer.SetStatus(key, status)
	e.coalescer.Close(key)

	e.mu.Lock()
	ts := e.turns[key]
	delete(e.turns, key)
	delete(e.sessions, res.SessionRef)
	e.mu.Unlock()

	rec := domain.InteractionRecord{
		AgentMsgID: res.AgentMsgID,
		Kind:       domain.TurnNormal,
		CreatedAt:  e.sched.Now(),
	}
	chatRef := ""
	if ts != nil {
		rec.UserMsgID = ts.userMsgID
		rec.BotMsgIDs = ts.botMsgIDs
		chatRef = ts.chatRef
	}
	e.ledger.Push(ctx, key, chatRef, rec)

	if status == domain.TurnFailed && ts != nil {
		if _, err := e.surface.Reply(ctx, ts.userMsgID, "The agent could not finish this turn: "+res.Error); err != nil {
			slog.Warn("Failed to surface turn failure", "conversation_key", key, "error", err)
		}
	}
	slog.Info("Turn completed", "conversation_key", key, "status", status, "agent_msg_id", res.AgentMsgID)
}

// abortTurn clears buffers after a backend failure and tells the user.
func (e *Engine) abortTurn(ctx context.Context, key string, ev UserMessage) {
	e.coalescer.SetStatus(key, domain.TurnFailed)
	e.coalescer.Close(key)
	e.mu.Lock()
	delete(e.turns, key)
	e.mu.Unlock()
	e.sendText(ctx, ev.ChatRef, "The agent backend failed to process that. Please try again.")
}

// HandleQuestionRequest installs a question flow for the session's
// conversation and prompts the first question. A conversation with a flow
// already pending rejects the new one.
func (e *Engine) HandleQuestionRequest(ctx context.Context, req QuestionRequest) error {
	key, ok := e.conversationFor(req.SessionRef)
	if !ok {
		return fmt.Errorf("question request for unknown session %q", req.SessionRef)
	}
	if e.questions.Pending(key) != nil {
		slog.Warn("Rejecting question request, flow already pending",
			"conversation_key", key, "request_id", req.RequestID)
		return ErrQuestionPending
	}

	chatRef := e.chatRefFor(ctx, key)
	pq := &domain.PendingQuestion{
		ConversationKey: key,
		RequestID:       req.RequestID,
		SessionRef:      req.SessionRef,
		ChatRef:         chatRef,
		Questions:       req.Questions,
		CreatedAt:       e.sched.Now(),
	}
	e.questions.Begin(pq)

	cardID := e.sendQuestionCard(ctx, key, chatRef, e.questions.Pending(key))
	rec := domain.InteractionRecord{
		Kind:      domain.TurnQuestionPrompt,
		CreatedAt: e.sched.Now(),
	}
	if cardID != "" {
		rec.BotMsgIDs = []string{cardID}
	}
	e.ledger.Push(ctx, key, chatRef, rec)
	return nil
}

// HandlePermissionRequest auto-approves whitelisted tools and otherwise
// installs the request as the actor's single outstanding permission,
// replacing any prior one.
func (e *Engine) HandlePermissionRequest(ctx context.Context, req PermissionRequest) error {
	if e.perms.IsWhitelisted(req.Tool) {
		slog.Info("Auto-approving whitelisted tool",
			"tool", req.Tool, "request_id", req.RequestID)
		return e.backend.RespondPermission(ctx, req.RequestID, true)
	}

	key, _ := e.conversationFor(req.SessionRef)
	chatRef := e.chatRefFor(ctx, key)
	pending := domain.PendingPermission{
		ActorID:     req.ActorID,
		SessionRef:  req.SessionRef,
		RequestID:   req.RequestID,
		Tool:        req.Tool,
		Description: req.Description,
		Risk:        req.Risk,
		ChatRef:     chatRef,
		CreatedAt:   e.sched.Now(),
	}
	if chatRef != "" {
		cardID, err := e.surface.SendCard(ctx, chatRef, Card{Kind: "permission", Permission: &pending})
		if err != nil {
			slog.Warn("Failed to send permission card", "actor_id", req.ActorID, "error", err)
		} else {
			pending.CardMsgID = cardID
			e.recordBotMsg(key, cardID)
		}
	}
	e.perms.AddPending(pending)
	return nil
}

// RespondPermission resolves the actor's outstanding permission request.
// An expired request is still answerable here: removal is unconditional.
func (e *Engine) RespondPermission(ctx context.Context, actorID string, approve bool) error {
	p := e.perms.RemovePending(actorID)
	if p == nil {
		return fmt.Errorf("no pending permission for actor %q", actorID)
	}
	if err := e.backend.RespondPermission(ctx, p.RequestID, approve); err != nil {
		return fmt.Errorf("respond permission: %w", err)
	}
	if p.ChatRef != "" {
		verdict := "denied"
		if approve {
			verdict = "approved"
		}
		e.sendText(ctx, p.ChatRef, fmt.Sprintf("Tool %q %s.", p.Tool, verdict))
	}
	return nil
}

// Stream event entry points, dispatched by the backend stream client.

// OnTextDelta accumulates an answer delta for the session's active turn.
func (e *Engine) OnTextDelta(sessionRef, delta string) {
	if key, ok := e.conversationFor(sessionRef); ok {
		e.coalescer.AppendText(key, delta)
	}
}

// OnReasoningDelta accumulates a reasoning delta.
func (e *Engine) OnReasoningDelta(sessionRef, delta string) {
	if key, ok := e.conversationFor(sessionRef); ok {
		e.coalescer.AppendReasoning(key, delta)
	}
}

// OnToolStart records a new tool invocation.
func (e *Engine) OnToolStart(sessionRef, tool string) {
	if key, ok := e.conversationFor(sessionRef); ok {
		e.coalescer.AddTool(key, tool)
	}
}

// OnToolStatus updates the newest non-terminal invocation of tool.
func (e *Engine) OnToolStatus(sessionRef, tool string, status domain.ToolStatus, output string) {
	if key, ok := e.conversationFor(sessionRef); ok {
		e.coalescer.SetToolStatus(key, tool, status, output)
	}
}

// Undo pops the newest completed turn and returns it, exposing the
// agent-side message id the turn should revert from.
func (e *Engine) Undo(ctx context.Context, key string) (*domain.InteractionRecord, error) {
	rec := e.ledger.Pop(ctx, key)
	if rec == nil {
		return nil, fmt.Errorf("nothing to undo for conversation %q", key)
	}
	return rec, nil
}

// Reset tears down all state for a conversation: pending question,
// delayed registration, stream buffer, ledger record and agent session.
func (e *Engine) Reset(ctx context.Context, key string) error {
	conv, err := e.ledger.Reset(ctx, key)
	if err != nil {
		return err
	}
	e.questions.Cancel(key)
	e.delayed.Clear(key)
	e.coalescer.Close(key)

	e.mu.Lock()
	delete(e.turns, key)
	if conv != nil && conv.SessionRef != "" {
		delete(e.sessions, conv.SessionRef)
	}
	e.mu.Unlock()

	if conv != nil && conv.HasSession() {
		if err := e.backend.DeleteSession(ctx, conv.SessionRef); err != nil {
			slog.Warn("Failed to delete agent session", "session_ref", conv.SessionRef, "error", err)
		}
	}
	return nil
}

// AttachUIState stores a late card-state snapshot on the turn that
// produced the given surface message.
func (e *Engine) AttachUIState(ctx context.Context, key, botMsgID string, state json.RawMessage) bool {
	return e.ledger.UpdateWhere(ctx, key,
		func(r *domain.InteractionRecord) bool { return r.HasBotMessage(botMsgID) },
		func(r *domain.InteractionRecord) { r.UIState = state },
	)
}

// StartMaintenance runs the periodic permission-expiry sweep until ctx is
// cancelled.
func (e *Engine) StartMaintenance(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.perms.CleanupExpired(); n > 0 {
					slog.Info("Swept expired permission requests", "removed", n)
				}
			}
		}
	}()
}

/// flushStream delivers one coalesced refresh: the first flush creates the
// streaming card, later flushes update it in place.
func (e *Engine) flushStream(out *domain.BufferedOutput) {
	ctx := context.Background()
	if out.CardMsgID == "" {
		id, err := e.surface.SendCard(ctx, out.ChatRef, Card{Kind: "stream", Stream: out})
		if err != nil {
			slog.Warn("Failed to send streaming card",
				"conversation_key", out.ConversationKey, "error", err)
			return
		}
		e.coalescer.SetCardMsgID(out.ConversationKey, id)
		e.recordBotMsg(out.ConversationKey, id)
		return
	}
	if err := e.surface.UpdateCard(ctx, out.CardMsgID, Card{Kind: "stream", Stream: out}); err != nil {
		slog.Warn("Failed to update streaming card",
			"conversation_key", out.ConversationKey, "card_msg_id", out.CardMsgID, "error", err)
	}
}

func (e *Engine) sendQuestionCard(ctx context.Context, key, chatRef string, pq *domain.PendingQuestion) string {
	if pq == nil || pq.Current() == nil {
		return ""
	}
	card := Card{Kind: "question", Question: &QuestionView{
		Question: pq.Current(),
		Index:    pq.Cursor,
		Total:    len(pq.Questions),
	}}
	id, err := e.surface.SendCard(ctx, chatRef, card)
	if err != nil {
		slog.Warn("Failed to send question card", "conversation_key", key, "error", err)
		return ""
	}
	return id
}

func (e *Engine) conversationFor(sessionRef string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.sessions[sessionRef]
	return key, ok
}

func (e *Engine) chatRefFor(ctx context.Context, key string) string {
	if key == "" {
		return ""
	}
	if conv := e.ledger.Get(ctx, key); conv != nil {
		return conv.ChatRef
	}
	return ""
}

func (e *Engine) recordBotMsg(key, msgID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts, ok := e.turns[key]; ok {
		ts.botMsgIDs = append(ts.botMsgIDs, msgID)
	}
}

func (e *Engine) replyText(ctx context.Context, ev UserMessage, text string) string {
	id, err := e.surface.Reply(ctx, ev.MsgID, text)
	if err != nil {
		slog.Warn("Failed to reply", "conversation_key", ev.ConversationKey, "error", err)
		return ""
	}
	return id
}

func (e *Engine) sendText(ctx context.Context, chatRef, text string) string {
	id, err := e.surface.SendText(ctx, chatRef, text)
	if err != nil {
		slog.Warn("Failed to send text", "chat_ref", chatRef, "error", err)
		return ""
	}
	return id
}
