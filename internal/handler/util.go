// Package handler provides HTTP and websocket handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/middleware"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the status mapped from err.
// Server-side failures are logged and their details hidden.
func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	e := errs.From(err)
	status := errs.HTTPStatus(e)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{
		"error": e.Message,
		"code":  e.Code,
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("invalid request body")
	}
	return nil
}

// identity returns the caller set by the auth middleware.
func identity(r *http.Request) (model.Identity, error) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		return model.Identity{}, errs.Unauthorized("not authenticated")
	}
	return id, nil
}

// pathID reads and validates a UUID route parameter.
func pathID(r *http.Request, param, kind string) (string, error) {
	id := chi.URLParam(r, param)
	if err := middleware.ValidateID(kind, id); err != nil {
		return "", err
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}
