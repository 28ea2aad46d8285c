package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/middleware"
	"github.com/capitalize-ai/collaboration-engine/internal/router"
	"github.com/capitalize-ai/collaboration-engine/internal/service"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
)

const (
	writeWait    = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// WebSocketConfig tunes the websocket transport.
type WebSocketConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
	RateLimit       int
	RateWindow      time.Duration
	Clock           service.Clock
}

// WebSocketHandler upgrades authenticated requests and runs one router per connection.
type WebSocketHandler struct {
	jwtSecret string
	services  router.Services
	conf      WebSocketConfig
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// NewWebSocketHandler creates a new websocket handler.
func NewWebSocketHandler(jwtSecret string, services router.Services, conf WebSocketConfig, log *logger.Logger) *WebSocketHandler {
	if conf.SendBuffer <= 0 {
		conf.SendBuffer = 64
	}
	if conf.MaxMessageBytes <= 0 {
		conf.MaxMessageBytes = 256 * 1024
	}
	if conf.PingInterval <= 0 {
		conf.PingInterval = 30 * time.Second
	}
	return &WebSocketHandler{
		jwtSecret: jwtSecret,
		services:  services,
		conf:      conf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Serve handles GET /ws
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token, err := middleware.TokenFromRequest(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	caller, err := middleware.Authenticate(h.jwtSecret, token)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", caller.UserID), zap.Error(err))
		return
	}

	conn := service.NewConn(service.NewID(), caller.UserID, h.conf.SendBuffer)
	log := h.logger.WithConnection(conn.ID, caller.UserID)
	rt := router.New(h.services, router.Config{
		RateLimit:  h.conf.RateLimit,
		RateWindow: h.conf.RateWindow,
		Clock:      h.conf.Clock,
	}, caller, conn, h.logger)

	metrics.IncrementWSConnections()
	defer metrics.DecrementWSConnections()
	log.Info("websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ws, conn, log)
	}()

	h.readPump(ws, rt, log)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	rt.Close(ctx)
	<-writerDone
	log.Info("websocket disconnected")
}

// readPump dispatches frames sequentially until the peer goes away.
func (h *WebSocketHandler) readPump(ws *websocket.Conn, rt *router.Router, log *logger.Logger) {
	pongWait := 2 * h.conf.PingInterval
	ws.SetReadLimit(h.conf.MaxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		rt.Handle(ctx, data)
	}
}

// writePump is the only writer of ws. It exits when the connection is
// closed, which also happens when the registry drops a slow consumer.
func (h *WebSocketHandler) writePump(ws *websocket.Conn, conn *service.Conn, log *logger.Logger) {
	ticker := time.NewTicker(h.conf.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame := <-conn.Outbound():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				conn.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
