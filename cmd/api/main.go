// Package main is the entry point for the collaboration server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/config"
	"github.com/capitalize-ai/collaboration-engine/internal/handler"
	"github.com/capitalize-ai/collaboration-engine/internal/llm"
	natsclient "github.com/capitalize-ai/collaboration-engine/internal/nats"
	"github.com/capitalize-ai/collaboration-engine/internal/router"
	"github.com/capitalize-ai/collaboration-engine/internal/service"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/tracing"
)

const serviceName = "collaboration-engine"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting collaboration server", zap.String("node_id", cfg.NodeID), zap.String("store", cfg.StoreDriver))

	// Initialize tracing if enabled
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Record store
	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	checks := []handler.ReadinessCheck{handler.PingCheck("store", st)}

	// Presence can live in Redis so every node sees the same cursors.
	var presenceStore store.PresenceStore = st
	if cfg.RedisURL != "" {
		rp, err := store.NewRedisPresenceStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rp.Close()
		presenceStore = rp
		checks = append(checks, handler.PingCheck("redis", rp))
	}

	registry := service.NewRegistry(log)

	// NATS is optional: without it the node runs standalone.
	var publisher service.EventPublisher
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, serviceName+"-"+cfg.NodeID, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		checks = append(checks, handler.PingCheck("nats", nc))

		events := natsclient.NewEventStream(nc.JetStream())
		if err := events.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		publisher = events

		relay := natsclient.NewRelay(nc.Conn(), cfg.NodeID, log)
		if err := relay.Subscribe(registry); err != nil {
			log.Fatal("failed to subscribe to relay", zap.Error(err))
		}
		defer relay.Close()
		registry.SetRelay(relay)
	}

	// Merge suggestions are enabled when an LLM key is configured.
	var assistant service.MergeAssistant
	llmClient, err := llm.FromKeys(cfg.AnthropicAPIKey, cfg.OpenAIAPIKey)
	if err != nil {
		log.Warn("failed to create LLM client, merge suggestions disabled", zap.Error(err))
	} else if llmClient != nil {
		assistant = llm.NewMergeAssistant(llmClient, cfg.MergeModel, log)
		log.Info("merge suggestions enabled", zap.String("provider", llmClient.Name()))
	}

	// Initialize services
	presenceSvc := service.NewPresenceService(presenceStore, service.PresenceConfig{LiveWindow: cfg.PresenceLiveWindow}, log)
	eventLog := service.NewEventLog(st, publisher, nil, log)
	sessionSvc := service.NewSessionService(st, presenceSvc, eventLog, registry, nil, log)
	detector := service.NewConflictDetector(st, st, st, eventLog, assistant, cfg.ConflictWindow, nil, log)
	editSvc := service.NewEditService(st, eventLog, detector, nil, log)
	commentSvc := service.NewCommentService(st, st, eventLog, nil, log)
	sweeper := service.NewSweeper(st, sessionSvc, presenceSvc, service.SweeperConfig{
		Interval:          cfg.SweepInterval,
		InactivityTimeout: cfg.SessionInactivityTimeout,
		PresenceRetention: cfg.PresenceRetention,
	}, nil, log)

	go presenceSvc.Run(ctx)
	go sweeper.Run(ctx)

	// Initialize handlers
	handlers := handler.Handlers{
		Health:    handler.NewHealthHandler(checks...),
		Sessions:  handler.NewSessionHandler(sessionSvc, presenceSvc, eventLog, log),
		Conflicts: handler.NewConflictHandler(detector, log),
		Comments:  handler.NewCommentHandler(commentSvc, log),
		WebSocket: handler.NewWebSocketHandler(cfg.JWTSecret, router.Services{
			Sessions: sessionSvc,
			Edits:    editSvc,
			Comments: commentSvc,
			Presence: presenceSvc,
			Events:   eventLog,
			Registry: registry,
		}, handler.WebSocketConfig{
			SendBuffer:      cfg.WSSendBuffer,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
			PingInterval:    cfg.WSPingInterval,
			RateLimit:       cfg.WSRateLimit,
			RateWindow:      cfg.WSRateWindow,
		}, log),
	}

	// Create HTTP server
	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handlers, handler.RouteConfig{
			JWTSecret:         cfg.JWTSecret,
			CORSOrigins:       cfg.CORSOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}, log),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	presenceSvc.Flush()

	log.Info("server stopped")
}

// openStore returns the configured record store, migrating Postgres first.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
			db.Close()
			return nil, err
		}
		return store.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
