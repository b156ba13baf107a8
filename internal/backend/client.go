// Package backend implements the agent-backend port over a WebSocket
// connection to the agent service. Turn requests are correlated by
// request ID; streaming events arrive interleaved on the same socket and
// are dispatched to the turn engine.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/avereyev/cardbridge/internal/engine"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	errAgentClosed   = errors.New("agent connection closed")
	errAgentResponse = errors.New("agent returned error")
)

// Events receives streaming turn events from the agent. The turn engine
// satisfies this interface.
type Events interface {
	OnTextDelta(sessionRef, delta string)
	OnReasoningDelta(sessionRef, delta string)
	OnToolStart(sessionRef, tool string)
	OnToolStatus(sessionRef, tool string, status domain.ToolStatus, output string)
	HandleQuestionRequest(ctx context.Context, req engine.QuestionRequest) error
	HandlePermissionRequest(ctx context.Context, req engine.PermissionRequest) error
}

var _ Events = (*engine.Engine)(nil)

// Config holds configuration for the agent client.
type Config struct {
	Address        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PingInterval   time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Address:        "ws://localhost:9090/agent",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		PingInterval:   2 * time.Minute,
	}
}

// wireFrame is the single JSON envelope for both directions.
type wireFrame struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	SessionRef string `json:"session_ref,omitempty"`

	// Request payloads.
	Title        string     `json:"title,omitempty"`
	Parts        []string   `json:"parts,omitempty"`
	Model        string     `json:"model,omitempty"`
	QuestionID   string     `json:"question_id,omitempty"`
	Answers      [][]string `json:"answers,omitempty"`
	PermissionID string     `json:"permission_id,omitempty"`
	Approve      bool       `json:"approve,omitempty"`

	// Response and event payloads.
	OK          bool              `json:"ok,omitempty"`
	Error       string            `json:"error,omitempty"`
	Delta       string            `json:"delta,omitempty"`
	Tool        string            `json:"tool,omitempty"`
	Status      string            `json:"status,omitempty"`
	Output      string            `json:"output,omitempty"`
	Questions   []domain.Question `json:"questions,omitempty"`
	ActorID     string            `json:"actor_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Risk        string            `json:"risk,omitempty"`
	AgentMsgID  string            `json:"agent_msg_id,omitempty"`
	Text        string            `json:"text,omitempty"`
}

// Client is a WebSocket client to the agent service. It implements
// engine.Backend.
type Client struct {
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	events  Events
	waiters map[string]chan wireFrame
	closed  chan struct{}
	once    sync.Once
}

var _ engine.Backend = (*Client)(nil)

// NewClient dials the agent service and fails fast when it is not
// reachable within the connect timeout.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, cfg.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("agent at %s not reachable: %w", cfg.Address, err)
	}
	conn.SetReadLimit(8 << 20)

	logger.Info("Connected to agent service", "address", cfg.Address)
	return &Client{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		waiters: make(map[string]chan wireFrame),
		closed:  make(chan struct{}),
	}, nil
}

// SetEvents installs the stream event sink. Must be called before Start.
func (c *Client) SetEvents(ev Events) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = ev
}

// Start launches the read and keepalive loops. They stop when ctx is
// cancelled or the connection drops.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
	go c.pingLoop(ctx)
}

// Close shuts the connection down and fails every in-flight request.
func (c *Client) Close() {
	c.shutdown()
	_ = c.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

// CreateSession opens a new agent session.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.call(ctx, wireFrame{Type: "create_session", Title: title})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return resp.SessionRef, nil
}

// SendTurn delivers one user turn and blocks until the agent finishes.
// No request timeout applies; the engine races the wait window itself.
func (c *Client) SendTurn(ctx context.Context, sessionRef string, parts []string, model string) (*domain.TurnResult, error) {
	resp, err := c.call(ctx, wireFrame{
		Type:       "turn",
		SessionRef: sessionRef,
		Parts:      parts,
		Model:      model,
	})
	if err != nil {
		return nil, fmt.Errorf("send turn: %w", err)
	}

	status := domain.TurnStatus(resp.Status)
	if status == "" {
		status = domain.TurnCompleted
	}
	return &domain.TurnResult{
		SessionRef: sessionRef,
		AgentMsgID: resp.AgentMsgID,
		Text:       resp.Text,
		Status:     status,
		Error:      resp.Error,
	}, nil
}

// ReplyQuestion submits the resolved answer batch for a question request.
func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.call(ctx, wireFrame{Type: "question_reply", QuestionID: requestID, Answers: answers}); err != nil {
		return fmt.Errorf("reply question: %w", err)
	}
	return nil
}

// RespondPermission answers an outstanding tool-permission request.
func (c *Client) RespondPermission(ctx context.Context, requestID string, approve bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.call(ctx, wireFrame{Type: "permission_response", PermissionID: requestID, Approve: approve}); err != nil {
		return fmt.Errorf("respond permission: %w", err)
	}
	return nil
}

// DeleteSession discards an agent session.
func (c *Client) DeleteSession(ctx context.Context, sessionRef string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.call(ctx, wireFrame{Type: "delete_session", SessionRef: sessionRef}); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// call sends a request frame and blocks until its correlated response.
func (c *Client) call(ctx context.Context, frame wireFrame) (wireFrame, error) {
	frame.RequestID = uuid.NewString()

	ch := make(chan wireFrame, 1)
	c.mu.Lock()
	c.waiters[frame.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, frame.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, frame); err != nil {
		return wireFrame{}, err
	}

	select {
	case resp := <-ch:
		if resp.Type == "ack" && !resp.OK {
			if resp.Error == "" {
				return wireFrame{}, errAgentResponse
			}
			return wireFrame{}, fmt.Errorf("%w: %s", errAgentResponse, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return wireFrame{}, ctx.Err()
	case <-c.closed:
		return wireFrame{}, errAgentClosed
	}
}

func (c *Client) write(ctx context.Context, frame wireFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.shutdown()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Agent stream closed", "error", err)
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Malformed agent frame", "error", err)
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *Client) dispatch(ctx context.Context, frame wireFrame) {
	switch frame.Type {
	case "ack", "turn_complete":
		c.mu.Lock()
		ch := c.waiters[frame.RequestID]
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug("Response with no waiter", "type", frame.Type, "request_id", frame.RequestID)
			return
		}
		select {
		case ch <- frame:
		default:
		}

	case "text_delta":
		if ev := c.eventSink(); ev != nil {
			ev.OnTextDelta(frame.SessionRef, frame.Delta)
		}
	case "reasoning_delta":
		if ev := c.eventSink(); ev != nil {
			ev.OnReasoningDelta(frame.SessionRef, frame.Delta)
		}
	case "tool_start":
		if ev := c.eventSink(); ev != nil {
			ev.OnToolStart(frame.SessionRef, frame.Tool)
		}
	case "tool_status":
		if ev := c.eventSink(); ev != nil {
			ev.OnToolStatus(frame.SessionRef, frame.Tool, domain.ToolStatus(frame.Status), frame.Output)
		}

	case "question_request":
		if ev := c.eventSink(); ev != nil {
			req := engine.QuestionRequest{
				SessionRef: frame.SessionRef,
				RequestID:  frame.RequestID,
				Questions:  frame.Questions,
			}
			// Card delivery may block; keep the stream pumping.
			go func() {
				if err := ev.HandleQuestionRequest(context.WithoutCancel(ctx), req); err != nil {
					c.logger.Warn("Question request rejected", "request_id", req.RequestID, "error", err)
				}
			}()
		}

	case "permission_request":
		if ev := c.eventSink(); ev != nil {
			req := engine.PermissionRequest{
				SessionRef:  frame.SessionRef,
				ActorID:     frame.ActorID,
				RequestID:   frame.RequestID,
				Tool:        frame.Tool,
				Description: frame.Description,
				Risk:        domain.RiskTier(strings.ToLower(frame.Risk)),
			}
			go func() {
				if err := ev.HandlePermissionRequest(context.WithoutCancel(ctx), req); err != nil {
					c.logger.Warn("Permission request failed", "request_id", req.RequestID, "error", err)
				}
			}()
		}

	case "pong":

	default:
		c.logger.Debug("Unknown agent frame", "type", frame.Type)
	}
}

func (c *Client) eventSink() Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.write(ctx, wireFrame{Type: "ping"}); err != nil {
				c.logger.Debug("Agent keepalive failed", "error", err)
				return
			}
		}
	}
}
