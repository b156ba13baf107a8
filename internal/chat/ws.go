package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/avereyev/cardbridge/internal/engine"
	"github.com/avereyev/cardbridge/internal/identity"
	"github.com/avereyev/cardbridge/internal/transcript"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// TurnEngine is the slice of the turn engine the WebSocket handler
// dispatches into.
type TurnEngine interface {
	HandleUserMessage(ctx context.Context, ev engine.UserMessage) error
	RespondPermission(ctx context.Context, actorID string, approve bool) error
	AttachUIState(ctx context.Context, key, botMsgID string, state json.RawMessage) bool
}

var _ TurnEngine = (*engine.Engine)(nil)

// WebSocketHandler upgrades chat clients and pumps their frames into the
// turn engine. Outbound delivery happens through the Surface, which fans
// out to every connection the actor holds.
type WebSocketHandler struct {
	eng           TurnEngine
	reg           *Registry
	surface       *Surface
	trans         *transcript.Logger
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a chat WebSocket handler.
func NewWebSocketHandler(eng TurnEngine, reg *Registry, surface *Surface, trans *transcript.Logger, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		eng:           eng,
		reg:           reg,
		surface:       surface,
		trans:         trans,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actorID := identity.ActorIDFromContext(r.Context())
	clientID := identity.ClientIDFromContext(r.Context())
	slog.Info("Chat connection request", "actor_id", actorID, "client_id", clientID, "ip", identity.IPFromRequest(r))

	if actorID == "" {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "actor_id", actorID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "actor_id", actorID)
		}
	}()

	h.reg.Register(actorID, clientID, ws)
	defer h.reg.Unregister(actorID, clientID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, actorID)
	slog.Info("Chat connection ended", "actor_id", actorID, "client_id", clientID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Chat origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, actorID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "actor_id", actorID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "actor_id", actorID)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.writeError(ws, "malformed frame")
			continue
		}
		h.dispatch(ctx, ws, actorID, frame)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, ws *websocket.Conn, actorID string, frame inboundFrame) {
	switch frame.Type {
	case "message":
		msgID := frame.MsgID
		if msgID == "" {
			msgID = uuid.NewString()
		}
		h.surface.RegisterInbound(msgID, actorID)
		h.trans.Log(transcript.Event{
			ActorID:         actorID,
			ConversationKey: actorID,
			Channel:         "chat_ws",
			Direction:       "inbound",
			EventType:       "user_message",
			ContentRaw:      frame.Text,
		})

		// A turn can block up to the wait window; never stall the read
		// loop on it.
		ev := engine.UserMessage{
			ConversationKey: actorID,
			ChatRef:         actorID,
			ActorID:         actorID,
			MsgID:           msgID,
			Text:            frame.Text,
		}
		go func() {
			if err := h.eng.HandleUserMessage(context.WithoutCancel(ctx), ev); err != nil {
				slog.Warn("Turn failed", "actor_id", actorID, "error", err)
			}
		}()

	case "card_state":
		if frame.MsgID == "" || len(frame.State) == 0 {
			h.writeError(ws, "card_state requires msg_id and state")
			return
		}
		if !h.eng.AttachUIState(ctx, actorID, frame.MsgID, frame.State) {
			slog.Debug("Card state for unknown message", "actor_id", actorID, "msg_id", frame.MsgID)
		}

	case "permission_response":
		if frame.Approve == nil {
			h.writeError(ws, "permission_response requires approve")
			return
		}
		if err := h.eng.RespondPermission(ctx, actorID, *frame.Approve); err != nil {
			slog.Warn("Permission response failed", "actor_id", actorID, "error", err)
			h.writeError(ws, "no pending permission request")
		}

	case "ping":
		h.writeJSON(ws, outboundFrame{Type: "pong"})

	default:
		h.writeError(ws, "unknown frame type")
	}
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, frame outboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write failed", "error", err)
	}
}

func (h *WebSocketHandler) writeError(ws *websocket.Conn, msg string) {
	h.writeJSON(ws, outboundFrame{Type: "error", Error: msg})
}
