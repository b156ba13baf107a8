// Package api provides HTTP handlers for the cardbridge admin surface.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/avereyev/cardbridge/internal/engine"
	"github.com/avereyev/cardbridge/internal/identity"
	"github.com/avereyev/cardbridge/internal/store"
	"github.com/go-chi/chi/v5"
)

// Bridge is the slice of the turn engine the HTTP surface needs.
type Bridge interface {
	Undo(ctx context.Context, key string) (*domain.InteractionRecord, error)
	Reset(ctx context.Context, key string) error
	RespondPermission(ctx context.Context, actorID string, approve bool) error
}

var _ Bridge = (*engine.Engine)(nil)

// Handler serves the admin endpoints. Conversations are scoped to the
// requesting actor; the conversation key is the actor ID.
type Handler struct {
	repo   store.Repository
	bridge Bridge
}

// NewHandler creates a Handler.
func NewHandler(repo store.Repository, bridge Bridge) *Handler {
	return &Handler{repo: repo, bridge: bridge}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the admin endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.handleHealth)
	r.Post("/api/conversation/reset", h.handleReset)
	r.Post("/api/conversation/undo", h.handleUndo)
	r.Post("/api/permission/respond", h.handlePermissionRespond)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	actorID := identity.ActorIDFromContext(r.Context())
	if actorID == "" {
		Error(w, http.StatusUnauthorized, "identity required")
		return
	}

	if err := h.bridge.Reset(r.Context(), actorID); err != nil {
		if errors.Is(err, engine.ErrDeleteProtected) {
			Error(w, http.StatusConflict, "conversation is delete-protected")
			return
		}
		slog.Error("Reset failed", "actor_id", actorID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset conversation")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleUndo(w http.ResponseWriter, r *http.Request) {
	actorID := identity.ActorIDFromContext(r.Context())
	if actorID == "" {
		Error(w, http.StatusUnauthorized, "identity required")
		return
	}

	rec, err := h.bridge.Undo(r.Context(), actorID)
	if err != nil {
		Error(w, http.StatusNotFound, "nothing to undo")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"agent_msg_id": rec.AgentMsgID,
		"user_msg_id":  rec.UserMsgID,
		"bot_msg_ids":  rec.BotMsgIDs,
	})
}

type permissionRespondRequest struct {
	Approve *bool `json:"approve"`
}

func (h *Handler) handlePermissionRespond(w http.ResponseWriter, r *http.Request) {
	actorID := identity.ActorIDFromContext(r.Context())
	if actorID == "" {
		Error(w, http.StatusUnauthorized, "identity required")
		return
	}

	var req permissionRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approve == nil {
		Error(w, http.StatusBadRequest, "approve field required")
		return
	}

	if err := h.bridge.RespondPermission(r.Context(), actorID, *req.Approve); err != nil {
		Error(w, http.StatusNotFound, "no pending permission request")
		return
	}
	verdict := "denied"
	if *req.Approve {
		verdict = "approved"
	}
	JSON(w, http.StatusOK, map[string]string{"status": verdict})
}
