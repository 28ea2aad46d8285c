package handler

import (
	"net/http"

	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/service"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

// ConflictHandler handles conflict review endpoints.
type ConflictHandler struct {
	detector *service.ConflictDetector
	logger   *logger.Logger
}

// NewConflictHandler creates a new conflict handler.
func NewConflictHandler(detector *service.ConflictDetector, log *logger.Logger) *ConflictHandler {
	return &ConflictHandler{detector: detector, logger: log}
}

func (h *ConflictHandler) params(w http.ResponseWriter, r *http.Request) (model.Identity, string, string, bool) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return caller, "", "", false
	}
	sessionID, err := pathID(r, "id", "session")
	if err != nil {
		writeError(w, r, h.logger, err)
		return caller, "", "", false
	}
	conflictID, err := pathID(r, "cid", "conflict")
	if err != nil {
		writeError(w, r, h.logger, err)
		return caller, "", "", false
	}
	return caller, sessionID, conflictID, true
}

// List handles GET /api/v1/sessions/{id}/conflicts
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sessionID, err := pathID(r, "id", "session")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, err := h.detector.List(r.Context(), caller, sessionID, model.ConflictStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Resolve handles POST /api/v1/sessions/{id}/conflicts/{cid}/resolve
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, sessionID, conflictID, ok := h.params(w, r)
	if !ok {
		return
	}

	var req model.ResolveConflictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	c, err := h.detector.Resolve(r.Context(), caller, sessionID, conflictID, &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SetStatus handles POST /api/v1/sessions/{id}/conflicts/{cid}/status
func (h *ConflictHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	caller, sessionID, conflictID, ok := h.params(w, r)
	if !ok {
		return
	}

	var req model.UpdateConflictStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	c, err := h.detector.SetStatus(r.Context(), caller, sessionID, conflictID, req.Status)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Suggest handles POST /api/v1/sessions/{id}/conflicts/{cid}/suggest
func (h *ConflictHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	caller, sessionID, conflictID, ok := h.params(w, r)
	if !ok {
		return
	}

	s, err := h.detector.Suggest(r.Context(), caller, sessionID, conflictID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
