package handler

import (
	"net/http"
	"strconv"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/middleware"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/service"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

// CommentHandler handles comment thread endpoints.
type CommentHandler struct {
	comments *service.CommentService
	logger   *logger.Logger
}

// NewCommentHandler creates a new comment handler.
func NewCommentHandler(comments *service.CommentService, log *logger.Logger) *CommentHandler {
	return &CommentHandler{comments: comments, logger: log}
}

// Create handles POST /api/v1/comments
func (h *CommentHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req model.CreateCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateCommentText(req.Text); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	c, err := h.comments.Add(r.Context(), caller, &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// List handles GET /api/v1/comments
func (h *CommentHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	q := r.URL.Query()
	filter := model.CommentFilter{
		Content: model.ContentRef{
			ContentType: q.Get("content_type"),
			ContentID:   q.Get("content_id"),
		},
		SessionID: q.Get("session_id"),
		AuthorID:  q.Get("author"),
		Kind:      model.CommentKind(q.Get("kind")),
	}
	if v := q.Get("resolved"); v != "" {
		resolved, perr := strconv.ParseBool(v)
		if perr != nil {
			writeError(w, r, h.logger, errs.Validation("resolved must be true or false"))
			return
		}
		filter.Resolved = &resolved
	}

	resp, err := h.comments.List(r.Context(), caller, filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Resolve handles POST /api/v1/comments/{id}/resolve
func (h *CommentHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, err := pathID(r, "id", "comment")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	c, err := h.comments.Resolve(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
