package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
)

// Reasons reported in session_ended notifications.
const (
	EndReasonOwner      = "ended_by_owner"
	EndReasonInactivity = "inactivity"
)

const (
	defaultSessionPageSize = 20
	maxSessionPageSize     = 100
)

// SessionService owns the session lifecycle and binds connections to
// sessions through the registry.
type SessionService struct {
	sessions store.SessionStore
	presence *PresenceService
	events   *EventLog
	registry *Registry
	clock    Clock
	logger   *logger.Logger
}

// NewSessionService creates a session service.
func NewSessionService(
	sessions store.SessionStore,
	presence *PresenceService,
	events *EventLog,
	registry *Registry,
	clock Clock,
	log *logger.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		presence: presence,
		events:   events,
		registry: registry,
		clock:    clock,
		logger:   log,
	}
}

// Create starts a new active session owned by the caller.
func (s *SessionService) Create(ctx context.Context, caller model.Identity, req *model.CreateSessionRequest) (*model.Session, error) {
	if caller.Anonymous {
		return nil, errs.AccessDenied("anonymous users cannot create sessions")
	}
	if strings.TrimSpace(req.ContentType) == "" || strings.TrimSpace(req.ContentID) == "" {
		return nil, errs.Validation("content_type and content_id are required")
	}
	if req.Type == "" {
		req.Type = model.SessionTypeEditing
	}
	if !req.Type.Valid() {
		return nil, errs.Validation("unknown session type")
	}
	maxParticipants := model.DefaultMaxParticipants
	if req.MaxParticipants != nil {
		maxParticipants = *req.MaxParticipants
	}
	if maxParticipants < 1 {
		return nil, errs.Validation("max_participants must be at least 1").WithCode("invalid_config")
	}
	now := s.clock.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, errs.Validation("expires_at must be in the future")
	}

	perms := model.DefaultPermissions()
	if req.Permissions != nil {
		perms = *req.Permissions
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.ContentType + " " + req.ContentID
	}

	sess := &model.Session{
		ID:              newID(),
		Name:            name,
		Type:            req.Type,
		Content:         model.ContentRef{ContentType: req.ContentType, ContentID: req.ContentID},
		OwnerID:         caller.UserID,
		Participants:    []string{caller.UserID},
		MaxParticipants: maxParticipants,
		IsPublic:        req.IsPublic,
		AllowAnonymous:  req.AllowAnonymous,
		Permissions:     perms,
		Status:          model.SessionStatusActive,
		StartedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       req.ExpiresAt,
		BaseVersion:     req.BaseVersion,
		CurrentVersion:  req.BaseVersion,
		UpdatedAt:       now,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, errs.Persistence("failed to create session", err)
	}

	metrics.SessionsCreated.WithLabelValues(string(sess.Type)).Inc()
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("owner_id", sess.OwnerID),
		zap.String("content", sess.Content.String()),
	)
	return sess, nil
}

func (s *SessionService) load(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, storeError("session", err)
	}
	return sess, nil
}

func canView(sess *model.Session, caller model.Identity) bool {
	return sess.IsParticipant(caller.UserID) || sess.IsPublic
}

// Authorize loads the session and checks the caller may view it.
func (s *SessionService) Authorize(ctx context.Context, caller model.Identity, id string) (*model.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(sess, caller) {
		return nil, errs.AccessDenied("not a participant of this session")
	}
	return sess, nil
}

// Get returns the session with its live participants.
func (s *SessionService) Get(ctx context.Context, caller model.Identity, id string) (*model.SessionSnapshot, error) {
	sess, err := s.Authorize(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, sess)
}

func (s *SessionService) snapshot(ctx context.Context, sess *model.Session) (*model.SessionSnapshot, error) {
	live, err := s.presence.Live(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return &model.SessionSnapshot{
		Session:          sess,
		LiveParticipants: live,
		Connected:        s.registry.SessionUsers(sess.ID),
	}, nil
}

// List returns the sessions the caller owns or participates in.
func (s *SessionService) List(ctx context.Context, caller model.Identity, filter model.SessionFilter) (*model.ListSessionsResponse, error) {
	filter.UserID = caller.UserID
	if filter.Limit <= 0 {
		filter.Limit = defaultSessionPageSize
	}
	if filter.Limit > maxSessionPageSize {
		filter.Limit = maxSessionPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	sessions, total, err := s.sessions.ListSessions(ctx, filter)
	if err != nil {
		return nil, errs.Persistence("failed to list sessions", err)
	}
	return &model.ListSessionsResponse{
		Sessions: sessions,
		Total:    total,
		HasMore:  filter.Offset+len(sessions) < total,
	}, nil
}

// Update changes session settings. Owner only.
func (s *SessionService) Update(ctx context.Context, caller model.Identity, id string, req *model.UpdateSessionRequest) (*model.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != caller.UserID {
		return nil, errs.AccessDenied("only the owner can update a session")
	}

	settingsChanged := req.Name != nil || req.MaxParticipants != nil || req.IsPublic != nil ||
		req.AllowAnonymous != nil || req.Permissions != nil || req.ExpiresAt != nil
	if settingsChanged && !sess.IsOpen() {
		return nil, errs.Validation("session has ended").WithCode("session_ended")
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, errs.Validation("name cannot be empty")
		}
		sess.Name = name
	}
	if req.MaxParticipants != nil {
		if *req.MaxParticipants < 1 {
			return nil, errs.Validation("max_participants must be at least 1").WithCode("invalid_config")
		}
		sess.MaxParticipants = *req.MaxParticipants
	}
	if req.IsPublic != nil {
		sess.IsPublic = *req.IsPublic
	}
	if req.AllowAnonymous != nil {
		sess.AllowAnonymous = *req.AllowAnonymous
	}
	if req.Permissions != nil {
		sess.Permissions = *req.Permissions
	}
	if req.ExpiresAt != nil {
		sess.ExpiresAt = req.ExpiresAt
	}
	if req.Status != nil {
		if !sess.CanTransition(*req.Status) {
			return nil, errs.Validation("invalid status transition").WithCode("invalid_transition")
		}
		sess.Status = *req.Status
	}
	sess.UpdatedAt = s.clock.now()

	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return nil, storeError("session", err)
	}
	return sess, nil
}

// End closes the session, notifies every connection and detaches them. Owner only.
func (s *SessionService) End(ctx context.Context, caller model.Identity, id string) (*model.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != caller.UserID {
		return nil, errs.AccessDenied("only the owner can end a session")
	}

	ended, err := s.sessions.EndSession(ctx, id, s.clock.now())
	if errors.Is(err, store.ErrSessionClosed) {
		return nil, errs.Validation("session has already ended").WithCode("session_ended")
	}
	if err != nil {
		return nil, storeError("session", err)
	}

	s.NotifyEnded(ctx, ended.ID, EndReasonOwner, *ended.EndedAt)
	return ended, nil
}

// NotifyEnded broadcasts session_ended to every connection of the session,
// detaches them and marks their users offline.
func (s *SessionService) NotifyEnded(ctx context.Context, sessionID, reason string, endedAt time.Time) {
	msg := model.SessionEndedMessage{
		Header:  model.Header{Type: model.OutSessionEnded, SessionID: sessionID, Timestamp: s.clock.now()},
		Reason:  reason,
		EndedAt: endedAt,
	}
	detached := s.registry.EndSession(ctx, sessionID, msg)

	offline := make(map[string]struct{})
	for _, c := range detached {
		offline[c.UserID] = struct{}{}
	}
	for userID := range offline {
		s.presence.Track(model.PresenceUpdate{UserID: userID, SessionID: sessionID, Status: model.PresenceOffline})
	}

	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	s.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Int("detached", len(detached)),
	)
}

func canJoin(sess *model.Session, caller model.Identity) bool {
	if sess.IsParticipant(caller.UserID) {
		return true
	}
	if caller.Anonymous {
		return sess.AllowAnonymous
	}
	return sess.IsPublic || sess.AllowAnonymous
}

// Join binds conn to the session and returns the session snapshot.
func (s *SessionService) Join(ctx context.Context, caller model.Identity, sessionID string, conn *Conn) (_ *model.SessionSnapshot, err error) {
	ctx, span := startSpan(ctx, "SessionService.Join",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", caller.UserID),
	)
	defer func() { endSpan(span, err) }()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsOpen() {
		return nil, errs.AccessDenied("session has ended").WithCode("session_ended")
	}
	if !canJoin(sess, caller) {
		return nil, errs.AccessDenied("not allowed to join this session")
	}

	now := s.clock.now()
	sess, err = s.sessions.AddParticipant(ctx, sessionID, caller.UserID, now)
	if err != nil {
		return nil, storeError("session", err)
	}

	// An End committed after AddParticipant has either detached conn
	// already or is visible to the reload below.
	s.registry.Register(sessionID, conn)
	current, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		s.registry.Unregister(sessionID, conn)
		return nil, storeError("session", err)
	}
	if !current.IsOpen() {
		s.registry.Unregister(sessionID, conn)
		return nil, errs.AccessDenied("session has ended").WithCode("session_ended")
	}

	if err := s.events.Append(ctx, &model.CollaborationEvent{
		SessionID: sessionID,
		UserID:    caller.UserID,
		Type:      model.EventSessionJoin,
		CreatedAt: now,
	}); err != nil {
		s.registry.Unregister(sessionID, conn)
		return nil, err
	}

	s.presence.Track(model.PresenceUpdate{
		UserID:    caller.UserID,
		SessionID: sessionID,
		Status:    model.PresenceActive,
		At:        now,
	})
	if conn.SessionID() != sessionID && !s.registry.UserConnected(sessionID, caller.UserID) {
		s.presence.Track(model.PresenceUpdate{
			UserID:    caller.UserID,
			SessionID: sessionID,
			Status:    model.PresenceOffline,
		})
	}

	s.logger.Debug("session joined",
		zap.String("session_id", sessionID),
		zap.String("user_id", caller.UserID),
		zap.String("conn_id", conn.ID),
	)
	return s.snapshot(ctx, sess)
}

// Leave releases conn from the session. Presence goes offline once the
// user has no other connection in the session.
func (s *SessionService) Leave(ctx context.Context, caller model.Identity, sessionID string, conn *Conn) error {
	if !s.registry.Unregister(sessionID, conn) {
		return errs.Validation("not in this session").WithCode("not_in_session")
	}

	if !s.registry.UserConnected(sessionID, caller.UserID) {
		s.presence.Track(model.PresenceUpdate{
			UserID:    caller.UserID,
			SessionID: sessionID,
			Status:    model.PresenceOffline,
		})
	}
	s.events.Record(ctx, sessionID, caller.UserID, model.EventSessionLeave, nil)

	s.logger.Debug("session left",
		zap.String("session_id", sessionID),
		zap.String("user_id", caller.UserID),
		zap.String("conn_id", conn.ID),
	)
	return nil
}

// Touch records activity on a non-critical path.
func (s *SessionService) Touch(ctx context.Context, sessionID string) {
	if _, err := s.sessions.TouchSession(ctx, sessionID, s.clock.now(), false); err != nil {
		swallow(s.logger, "session_touch", err, zap.String("session_id", sessionID))
	}
}
