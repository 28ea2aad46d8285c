// Package router dispatches inbound websocket messages for one connection.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/service"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
)

// Services are the collaborators a router dispatches into.
type Services struct {
	Sessions *service.SessionService
	Edits    *service.EditService
	Comments *service.CommentService
	Presence *service.PresenceService
	Events   *service.EventLog
	Registry *service.Registry
}

// Config tunes per-connection limits.
type Config struct {
	RateLimit  int
	RateWindow time.Duration
	Clock      service.Clock
}

// Router handles the messages of a single connection. Handle is called
// sequentially by the connection's reader goroutine.
type Router struct {
	svc      Services
	conf     Config
	identity model.Identity
	conn     *service.Conn
	logger   *logger.Logger

	mu      sync.Mutex
	content map[string]model.ContentRef

	limiter *rate.Limiter
}

// New creates a router for an authenticated connection.
func New(svc Services, conf Config, identity model.Identity, conn *service.Conn, log *logger.Logger) *Router {
	if conf.RateWindow <= 0 {
		conf.RateWindow = 10 * time.Second
	}
	r := &Router{
		svc:      svc,
		conf:     conf,
		identity: identity,
		conn:     conn,
		logger:   log.WithConnection(conn.ID, identity.UserID),
		content:  make(map[string]model.ContentRef),
	}
	if conf.RateLimit > 0 {
		every := rate.Limit(float64(conf.RateLimit) / conf.RateWindow.Seconds())
		r.limiter = rate.NewLimiter(every, conf.RateLimit)
	}
	return r
}

// Handle decodes and dispatches one raw frame. Every failure is reported
// to this connection only.
func (r *Router) Handle(ctx context.Context, raw []byte) {
	var requestType string
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while handling message",
				zap.String("type", requestType),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			metrics.RecordMessage(requestType, "panic")
			r.sendError(requestType, errs.Internal("internal error", fmt.Errorf("panic: %v", p)))
		}
	}()

	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.RecordMessage("invalid", "error")
		r.sendError("", errs.Validation("malformed message").WithCode("invalid_message"))
		return
	}
	requestType = env.Type

	if !r.allow() {
		metrics.RecordMessage(env.Type, "rate_limited")
		r.sendError(env.Type, errs.RateLimited("too many messages"))
		return
	}

	kind, ok := model.ParseMessageKind(env.Type)
	if !ok {
		metrics.RecordMessage("unknown", "error")
		r.sendError(env.Type, errs.Validation("unknown message type").WithCode("unknown_type"))
		return
	}

	if err := r.dispatch(ctx, kind, raw); err != nil {
		metrics.RecordMessage(string(kind), "error")
		if errs.Is(err, errs.KindPersistence) || errs.Is(err, errs.KindInternal) {
			r.logger.Error("message failed", zap.String("type", string(kind)), zap.Error(err))
		}
		r.sendError(string(kind), err)
		return
	}
	metrics.RecordMessage(string(kind), "ok")
}

func (r *Router) dispatch(ctx context.Context, kind model.MessageKind, raw []byte) error {
	switch kind {
	case model.KindJoinSession:
		var m model.JoinSessionMessage
		if err := decode(raw, &m); err != nil {
			return err
		}
		return r.join(ctx, m)
	case model.KindLeaveSession:
		var m model.LeaveSessionMessage
		if err := decode(raw, &m); err != nil {
			return err
		}
		return r.leave(ctx, m)
	case model.KindContentEdit:
		var m model.ContentEditMessage
		if err := decode(raw, &m); err != nil {
			return err
		}
		return r.contentEdit(ctx, m)
	case model.KindCursorUpdate:
		var m model.CursorUpdateMessage
		if err := decode(raw, &m); err != nil {
			return err
		}
		return r.cursorUpdate(ctx, m)
	case model.KindSelectionUpdate:
		var m model.SelectionUpdateMessage
		if err := decode(raw, &m); err != nil {
			return err
		}
		return r.selectionUpdate(ctx, m)
	case model.KindCommentAdd:
		var m model.CommentAddMessage
		if err := decode(raw, &m); err != nil {
			return err
		}
		return r.commentAdd(ctx, m)
	case model.KindPresenceUpdate:
		var m model.PresenceUpdateMessage
		if err := decode(raw, &m); err != nil {
			return err
		}
		return r.presenceUpdate(ctx, m)
	case model.KindHeartbeat:
		return r.heartbeat()
	default:
		return errs.Validation("unknown message type").WithCode("unknown_type")
	}
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Validation("malformed message").WithCode("invalid_message")
	}
	return nil
}

// allow takes one token from the connection's message budget: RateLimit
// messages per RateWindow, with bursts up to RateLimit.
func (r *Router) allow() bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.AllowN(r.conf.Clock.Now(), 1)
}

func (r *Router) header(t model.OutboundType, sessionID string) model.Header {
	return model.Header{
		Type:      t,
		SessionID: sessionID,
		UserID:    r.identity.UserID,
		Timestamp: r.conf.Clock.Now(),
	}
}

func (r *Router) reply(v any) {
	if !r.conn.SendJSON(v) {
		r.logger.Debug("reply dropped, connection closed or full")
	}
}

func (r *Router) broadcast(ctx context.Context, sessionID string, v any) {
	r.svc.Registry.Broadcast(ctx, sessionID, v, r.conn.ID)
}

func (r *Router) sendError(requestType string, err error) {
	e := errs.From(err)
	r.reply(model.ErrorMessage{
		Header:      r.header(model.OutError, r.conn.SessionID()),
		Code:        e.Code,
		Kind:        string(e.Kind),
		Message:     e.Message,
		RequestType: requestType,
	})
}

// current returns the bound session or a validation error.
func (r *Router) current() (string, error) {
	sessionID := r.conn.SessionID()
	if sessionID == "" {
		return "", errs.Validation("not in a session").WithCode("not_in_session")
	}
	return sessionID, nil
}

func (r *Router) join(ctx context.Context, m model.JoinSessionMessage) error {
	if m.SessionID == "" {
		return errs.Validation("sessionId is required")
	}
	if prev := r.conn.SessionID(); prev != "" && prev != m.SessionID {
		if err := r.leaveSession(ctx, prev); err != nil {
			return err
		}
	}

	snap, err := r.svc.Sessions.Join(ctx, r.identity, m.SessionID, r.conn)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.content[m.SessionID] = snap.Session.Content
	r.mu.Unlock()

	r.reply(model.SessionJoinedMessage{
		Header:   r.header(model.OutSessionJoined, m.SessionID),
		Snapshot: snap,
	})
	r.broadcast(ctx, m.SessionID, model.UserPresenceMessage{
		Header: r.header(model.OutUserJoined, m.SessionID),
		Name:   r.identity.Name,
	})
	return nil
}

func (r *Router) leave(ctx context.Context, m model.LeaveSessionMessage) error {
	sessionID, err := r.current()
	if err != nil {
		return err
	}
	if m.SessionID != "" && m.SessionID != sessionID {
		return errs.Validation("not in this session").WithCode("not_in_session")
	}
	if err := r.leaveSession(ctx, sessionID); err != nil {
		return err
	}
	r.reply(model.UserPresenceMessage{Header: r.header(model.OutSessionLeft, sessionID)})
	return nil
}

func (r *Router) leaveSession(ctx context.Context, sessionID string) error {
	if err := r.svc.Sessions.Leave(ctx, r.identity, sessionID, r.conn); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.content, sessionID)
	r.mu.Unlock()

	r.broadcast(ctx, sessionID, model.UserPresenceMessage{
		Header: r.header(model.OutUserLeft, sessionID),
		Name:   r.identity.Name,
	})
	return nil
}

func (r *Router) contentEdit(ctx context.Context, m model.ContentEditMessage) error {
	sessionID, err := r.current()
	if err != nil {
		return err
	}
	res, err := r.svc.Edits.Apply(ctx, r.identity, sessionID, m.Operation)
	if err != nil {
		return err
	}

	r.broadcast(ctx, sessionID, model.RemoteEditMessage{
		Header:    r.header(model.OutRemoteEdit, sessionID),
		EventID:   res.Event.ID,
		Operation: *m.Operation,
		Version:   res.Version,
	})
	r.reply(model.EditAppliedMessage{
		Header:    r.header(model.OutEditApplied, sessionID),
		EventID:   res.Event.ID,
		Version:   res.Version,
		Conflicts: res.Conflicts,
	})
	for _, c := range res.Conflicts {
		msg := model.ConflictDetectedMessage{
			Header:   r.header(model.OutConflictDetected, sessionID),
			Conflict: c,
		}
		r.reply(msg)
		r.broadcast(ctx, sessionID, msg)
	}
	return nil
}

func (r *Router) cursorUpdate(ctx context.Context, m model.CursorUpdateMessage) error {
	sessionID, err := r.current()
	if err != nil {
		return err
	}
	if len(m.Position) == 0 {
		return errs.Validation("position is required")
	}

	r.svc.Presence.Track(model.PresenceUpdate{
		UserID:    r.identity.UserID,
		SessionID: sessionID,
		Status:    model.PresenceActive,
		Cursor:    m.Position,
	})
	r.broadcast(ctx, sessionID, model.RemoteCursorMessage{
		Header:   r.header(model.OutRemoteCursor, sessionID),
		Position: m.Position,
	})
	r.svc.Events.Record(ctx, sessionID, r.identity.UserID, model.EventCursorMove, map[string]json.RawMessage{
		"position": m.Position,
	})
	r.svc.Sessions.Touch(ctx, sessionID)
	return nil
}

func (r *Router) selectionUpdate(ctx context.Context, m model.SelectionUpdateMessage) error {
	sessionID, err := r.current()
	if err != nil {
		return err
	}
	if len(m.Selection) == 0 {
		return errs.Validation("selection is required")
	}

	r.svc.Presence.Track(model.PresenceUpdate{
		UserID:    r.identity.UserID,
		SessionID: sessionID,
		Status:    model.PresenceActive,
		Selection: m.Selection,
	})
	r.broadcast(ctx, sessionID, model.RemoteSelectionMessage{
		Header:    r.header(model.OutRemoteSelection, sessionID),
		Selection: m.Selection,
	})
	r.svc.Events.Record(ctx, sessionID, r.identity.UserID, model.EventSelectionChange, map[string]json.RawMessage{
		"selection": m.Selection,
	})
	r.svc.Sessions.Touch(ctx, sessionID)
	return nil
}

func (r *Router) commentAdd(ctx context.Context, m model.CommentAddMessage) error {
	sessionID, err := r.current()
	if err != nil {
		return err
	}
	r.mu.Lock()
	content := r.content[sessionID]
	r.mu.Unlock()

	c, err := r.svc.Comments.Add(ctx, r.identity, &model.CreateCommentRequest{
		ContentType:    content.ContentType,
		ContentID:      content.ContentID,
		SessionID:      sessionID,
		ParentID:       m.ParentCommentID,
		Text:           m.Text,
		HTML:           m.HTML,
		Kind:           m.Kind,
		AnchorType:     m.AnchorType,
		AnchorData:     m.AnchorData,
		ContextBefore:  m.ContextBefore,
		ContextAfter:   m.ContextAfter,
		MentionedUsers: m.MentionedUsers,
	})
	if err != nil {
		return err
	}

	r.reply(model.CommentMessage{Header: r.header(model.OutCommentSaved, sessionID), Comment: c})
	r.broadcast(ctx, sessionID, model.CommentMessage{Header: r.header(model.OutCommentAdded, sessionID), Comment: c})
	r.svc.Sessions.Touch(ctx, sessionID)
	return nil
}

func (r *Router) presenceUpdate(ctx context.Context, m model.PresenceUpdateMessage) error {
	sessionID, err := r.current()
	if err != nil {
		return err
	}
	if !m.Status.Valid() {
		return errs.Validation("unknown presence status")
	}

	r.svc.Presence.Track(model.PresenceUpdate{
		UserID:    r.identity.UserID,
		SessionID: sessionID,
		Status:    m.Status,
	})
	r.broadcast(ctx, sessionID, model.PresenceUpdatedMessage{
		Header:   r.header(model.OutPresenceUpdated, sessionID),
		Status:   m.Status,
		Metadata: m.Metadata,
	})
	r.svc.Sessions.Touch(ctx, sessionID)
	return nil
}

func (r *Router) heartbeat() error {
	now := r.conf.Clock.Now()
	r.reply(model.HeartbeatAckMessage{
		Header:     r.header(model.OutHeartbeatAck, r.conn.SessionID()),
		ServerTime: now,
	})
	return nil
}

// Close runs the leave path for a disconnecting connection.
func (r *Router) Close(ctx context.Context) {
	if sessionID := r.conn.SessionID(); sessionID != "" {
		if err := r.leaveSession(ctx, sessionID); err != nil {
			r.logger.Warn("leave on disconnect failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	r.conn.Close()
}
