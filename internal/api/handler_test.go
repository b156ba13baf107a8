package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/avereyev/cardbridge/internal/domain"
	"github.com/avereyev/cardbridge/internal/engine"
	"github.com/avereyev/cardbridge/internal/identity"
	"github.com/avereyev/cardbridge/internal/store"
	"github.com/go-chi/chi/v5"
)

type stubBridge struct {
	undoRec   *domain.InteractionRecord
	undoErr   error
	resetErr  error
	permErr   error
	approvals []bool
}

func (s *stubBridge) Undo(context.Context, string) (*domain.InteractionRecord, error) {
	return s.undoRec, s.undoErr
}

func (s *stubBridge) Reset(context.Context, string) error { return s.resetErr }

func (s *stubBridge) RespondPermission(_ context.Context, _ string, approve bool) error {
	if s.permErr != nil {
		return s.permErr
	}
	s.approvals = append(s.approvals, approve)
	return nil
}

func newTestRouter(bridge Bridge) http.Handler {
	h := NewHandler(store.NewMemory(), bridge)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := identity.WithIdentity(req.Context(), "actor-1", "tab-1")
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.RegisterRoutes(r)
	return r
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubBridge{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestResetDeleteProtected(t *testing.T) {
	router := newTestRouter(&stubBridge{resetErr: engine.ErrDeleteProtected})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/conversation/reset", nil))

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestReset(t *testing.T) {
	router := newTestRouter(&stubBridge{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/conversation/reset", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestUndo(t *testing.T) {
	router := newTestRouter(&stubBridge{undoRec: &domain.InteractionRecord{
		AgentMsgID: "agent-1",
		UserMsgID:  "user-1",
	}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/conversation/undo", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["agent_msg_id"] != "agent-1" {
		t.Errorf("Expected agent_msg_id=agent-1, got %v", got["agent_msg_id"])
	}
}

func TestPermissionRespond(t *testing.T) {
	bridge := &stubBridge{}
	router := newTestRouter(bridge)

	body := bytes.NewBufferString(`{"approve": true}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/permission/respond", body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if len(bridge.approvals) != 1 || !bridge.approvals[0] {
		t.Errorf("Expected recorded approval, got %+v", bridge.approvals)
	}
}

func TestPermissionRespondMissingField(t *testing.T) {
	router := newTestRouter(&stubBridge{})

	body := bytes.NewBufferString(`{}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/permission/respond", body))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}
