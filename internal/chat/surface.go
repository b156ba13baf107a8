package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avereyev/cardbridge/internal/engine"
	"github.com/avereyev/cardbridge/internal/transcript"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrNoClient means the actor has no connected chat client to deliver to.
var ErrNoClient = errors.New("no connected chat client")

const (
	writeTimeout = 5 * time.Second
	maxRoutes    = 4096
)

// Surface delivers engine cards and texts to connected chat clients over
// WebSocket. The chat ref of a conversation is its actor ID, so delivery
// fans out to every connection the actor holds. Delivery is best-effort:
// a client that misses an update catches up on the next one.
type Surface struct {
	reg   *Registry
	trans *transcript.Logger

	// routes maps message IDs back to the chat ref they were sent to, so
	// card updates and replies can be routed. Oldest entries are evicted.
	mu         sync.Mutex
	routes     map[string]string
	routeOrder []string
}

// NewSurface creates a Surface over the given registry. The transcript
// logger may be nil.
func NewSurface(reg *Registry, trans *transcript.Logger) *Surface {
	return &Surface{
		reg:    reg,
		trans:  trans,
		routes: make(map[string]string),
	}
}

// SendCard posts a new card and returns its message ID.
func (s *Surface) SendCard(ctx context.Context, chatRef string, card engine.Card) (string, error) {
	msgID := uuid.NewString()
	frame := outboundFrame{Type: "card", MsgID: msgID, Card: renderCard(card)}
	if err := s.broadcast(ctx, chatRef, frame); err != nil {
		return "", err
	}
	s.addRoute(msgID, chatRef)
	s.logOutbound(chatRef, "bot_card", card.Kind)
	return msgID, nil
}

// UpdateCard replaces the payload of an already-sent card in place.
func (s *Surface) UpdateCard(ctx context.Context, msgID string, card engine.Card) error {
	chatRef, ok := s.route(msgID)
	if !ok {
		return errors.New("unknown card message id")
	}
	frame := outboundFrame{Type: "card_update", MsgID: msgID, Card: renderCard(card)}
	return s.broadcast(ctx, chatRef, frame)
}

// Reply posts text threaded under an existing message.
func (s *Surface) Reply(ctx context.Context, replyTo, text string) (string, error) {
	chatRef, ok := s.route(replyTo)
	if !ok {
		return "", errors.New("unknown reply target")
	}
	msgID := uuid.NewString()
	frame := outboundFrame{Type: "text", MsgID: msgID, ReplyTo: replyTo, Text: text}
	if err := s.broadcast(ctx, chatRef, frame); err != nil {
		return "", err
	}
	s.addRoute(msgID, chatRef)
	s.logOutbound(chatRef, "bot_text", text)
	return msgID, nil
}

// SendText posts plain text to the actor's chat.
func (s *Surface) SendText(ctx context.Context, chatRef, text string) (string, error) {
	msgID := uuid.NewString()
	frame := outboundFrame{Type: "text", MsgID: msgID, Text: text}
	if err := s.broadcast(ctx, chatRef, frame); err != nil {
		return "", err
	}
	s.addRoute(msgID, chatRef)
	s.logOutbound(chatRef, "bot_text", text)
	return msgID, nil
}

// RouteFor exposes the chat ref a message was delivered to. Used by the
// WebSocket handler to sanity-check inbound card-state frames.
func (s *Surface) RouteFor(msgID string) (string, bool) {
	return s.route(msgID)
}

// RegisterInbound records the chat ref of a client-generated message ID
// so later replies threaded under it can be routed.
func (s *Surface) RegisterInbound(msgID, chatRef string) {
	s.addRoute(msgID, chatRef)
}

func (s *Surface) broadcast(ctx context.Context, chatRef string, frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conns := s.reg.Conns(chatRef)
	if len(conns) == 0 {
		return ErrNoClient
	}

	delivered := 0
	for _, conn := range conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("Chat write failed", "chat_ref", chatRef, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return ErrNoClient
	}
	return nil
}

func (s *Surface) addRoute(msgID, chatRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.routes[msgID] = chatRef
	s.routeOrder = append(s.routeOrder, msgID)
	for len(s.routeOrder) > maxRoutes {
		delete(s.routes, s.routeOrder[0])
		s.routeOrder = s.routeOrder[1:]
	}
}

func (s *Surface) route(msgID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chatRef, ok := s.routes[msgID]
	return chatRef, ok
}

func (s *Surface) logOutbound(chatRef, eventType, content string) {
	s.trans.Log(transcript.Event{
		ActorID:         chatRef,
		ConversationKey: chatRef,
		Channel:         "chat_ws",
		Direction:       "outbound",
		EventType:       eventType,
		ContentRaw:      content,
	})
}
