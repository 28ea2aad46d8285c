package handler

import (
	"net/http"

	"github.com/capitalize-ai/collaboration-engine/internal/middleware"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/service"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

// SessionHandler handles session management endpoints.
type SessionHandler struct {
	sessions *service.SessionService
	presence *service.PresenceService
	events   *service.EventLog
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *service.SessionService, presence *service.PresenceService, events *service.EventLog, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		presence: presence,
		events:   events,
		logger:   log,
	}
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req model.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	sess, err := h.sessions.Create(r.Context(), caller, &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	q := r.URL.Query()
	resp, err := h.sessions.List(r.Context(), caller, model.SessionFilter{
		Status:      model.SessionStatus(q.Get("status")),
		ContentType: q.Get("content_type"),
		Limit:       queryInt(r, "limit", 0),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, err := pathID(r, "id", "session")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	snap, err := h.sessions.Get(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Update handles PUT /api/v1/sessions/{id}
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, err := pathID(r, "id", "session")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req model.UpdateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Name != nil {
		if err := middleware.ValidateName(*req.Name); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}

	sess, err := h.sessions.Update(r.Context(), caller, id, &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// End handles POST /api/v1/sessions/{id}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, err := pathID(r, "id", "session")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	sess, err := h.sessions.End(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Presence handles GET /api/v1/sessions/{id}/presence
func (h *SessionHandler) Presence(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, err := pathID(r, "id", "session")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.sessions.Authorize(r.Context(), caller, id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	list, err := h.presence.List(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": list})
}

// Events handles GET /api/v1/sessions/{id}/events
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, err := pathID(r, "id", "session")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.sessions.Authorize(r.Context(), caller, id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, err := h.events.List(r.Context(), model.EventFilter{
		SessionID: id,
		Type:      model.EventType(r.URL.Query().Get("type")),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
