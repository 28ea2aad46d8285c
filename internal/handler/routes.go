package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/collaboration-engine/internal/middleware"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

// Handlers groups every endpoint the server mounts.
type Handlers struct {
	Health    *HealthHandler
	Sessions  *SessionHandler
	Conflicts *ConflictHandler
	Comments  *CommentHandler
	WebSocket *WebSocketHandler
}

// RouteConfig carries the settings the route tree needs.
type RouteConfig struct {
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the full route tree.
func NewRouter(h Handlers, conf RouteConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(conf.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// The websocket authenticates from the query string before upgrading.
	r.With(middleware.RateLimit(conf.RateLimitRequests, conf.RateLimitWindow)).Get("/ws", h.WebSocket.Serve)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(conf.JWTSecret))
		r.Use(middleware.UserRateLimit(conf.RateLimitRequests, conf.RateLimitWindow))

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.Sessions.Create)
			r.Get("/", h.Sessions.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Sessions.Get)
				r.Put("/", h.Sessions.Update)
				r.Post("/end", h.Sessions.End)
				r.Get("/presence", h.Sessions.Presence)
				r.Get("/events", h.Sessions.Events)

				r.Get("/conflicts", h.Conflicts.List)
				r.Post("/conflicts/{cid}/resolve", h.Conflicts.Resolve)
				r.Post("/conflicts/{cid}/status", h.Conflicts.SetStatus)
				r.Post("/conflicts/{cid}/suggest", h.Conflicts.Suggest)
			})
		})

		r.Route("/comments", func(r chi.Router) {
			r.Post("/", h.Comments.Create)
			r.Get("/", h.Comments.List)
			r.Post("/{id}/resolve", h.Comments.Resolve)
		})
	})

	return r
}
