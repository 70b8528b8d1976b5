package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mcoot/masquerade-go/internal/api/request"
	"github.com/mcoot/masquerade-go/internal/api/response"
	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/services/session"
	"github.com/mcoot/masquerade-go/internal/storage"
)

// SessionHandler handles session endpoints. Live operations go to the
// controller; snapshot reads go to the store.
type SessionHandler struct {
	sessions      *session.Controller
	store         storage.Storage
	sync          func(ctx context.Context) error
	allowOverride bool
}

// NewSessionHandler creates a new session handler. sync, if set, is called
// before every store read so it observes writes committed before the request.
func NewSessionHandler(sessions *session.Controller, store storage.Storage, sync func(ctx context.Context) error, allowOverride bool) *SessionHandler {
	return &SessionHandler{
		sessions:      sessions,
		store:         store,
		sync:          sync,
		allowOverride: allowOverride,
	}
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, response.SessionListFromModel(h.sessions.ListSessions(r.Context())))
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.CreateSession(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, response.SessionFromModel(sess))
}

// Get handles GET /api/v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.snapshot(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.SessionFromModel(sess))
}

// Drawings handles GET /api/v1/sessions/{id}/drawings
func (h *SessionHandler) Drawings(w http.ResponseWriter, r *http.Request) {
	sess, err := h.snapshot(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.DrawingListFromModel(sess))
}

// AdvancePhase handles POST /api/v1/sessions/{id}/phase
func (h *SessionHandler) AdvancePhase(w http.ResponseWriter, r *http.Request) {
	if !h.allowOverride {
		WriteError(w, model.ErrOverrideDisabled)
		return
	}

	var req request.AdvancePhaseRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	target, err := model.ParsePhase(req.Phase)
	if err != nil {
		WriteError(w, err)
		return
	}

	id := sessionID(r)
	if err := h.sessions.AdvancePhase(r.Context(), id, target); err != nil {
		WriteError(w, err)
		return
	}
	h.writeLive(w, r, id)
}

// CompleteComparison handles POST /api/v1/sessions/{id}/comparison-complete
func (h *SessionHandler) CompleteComparison(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, h.sessions.CompleteComparison)
}

// CompleteScoring handles POST /api/v1/sessions/{id}/scoring-complete
func (h *SessionHandler) CompleteScoring(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, h.sessions.CompleteScoring)
}

func (h *SessionHandler) complete(w http.ResponseWriter, r *http.Request, signal func(context.Context, model.SessionID, json.RawMessage) error) {
	var req request.CompleteRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	id := sessionID(r)
	if err := signal(r.Context(), id, req.Results); err != nil {
		WriteError(w, err)
		return
	}
	h.writeLive(w, r, id)
}

// writeLive responds with the controller's current view of the session
func (h *SessionHandler) writeLive(w http.ResponseWriter, r *http.Request, id model.SessionID) {
	sess, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		// Torn down between the mutation and the read
		response.NoContent(w)
		return
	}
	response.JSON(w, http.StatusOK, response.SessionFromModel(sess))
}

func (h *SessionHandler) snapshot(r *http.Request) (*model.Session, error) {
	if h.sync != nil {
		if err := h.sync(r.Context()); err != nil {
			return nil, err
		}
	}
	return h.store.GetSession(r.Context(), sessionID(r))
}

func sessionID(r *http.Request) model.SessionID {
	return model.SessionID(mux.Vars(r)["id"])
}
