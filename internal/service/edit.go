package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

// EditResult is the outcome of an applied edit.
type EditResult struct {
	Event     *model.CollaborationEvent
	Version   int64
	Conflicts []*model.Conflict
}

// EditService appends content edits and runs conflict detection after each one.
type EditService struct {
	sessions store.SessionStore
	events   *EventLog
	detector *ConflictDetector
	clock    Clock
	logger   *logger.Logger
}

// NewEditService creates an edit service.
func NewEditService(sessions store.SessionStore, events *EventLog, detector *ConflictDetector, clock Clock, log *logger.Logger) *EditService {
	return &EditService{
		sessions: sessions,
		events:   events,
		detector: detector,
		clock:    clock,
		logger:   log,
	}
}

func canEdit(sess *model.Session, userID string) bool {
	if sess.OwnerID == userID {
		return true
	}
	return sess.IsParticipant(userID) && sess.Permissions.CanEdit
}

// Apply persists an edit by caller and then checks it for conflicts.
// The edit is kept even when detection fails.
func (s *EditService) Apply(ctx context.Context, caller model.Identity, sessionID string, op *model.EditOperation) (_ *EditResult, err error) {
	ctx, span := startSpan(ctx, "EditService.Apply",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", caller.UserID),
	)
	defer func() { endSpan(span, err) }()

	if op == nil {
		return nil, errs.Validation("operation is required")
	}
	if op.Position == nil || op.Length == nil {
		return nil, errs.Validation("operation position and length are required")
	}
	if *op.Position < 0 || *op.Length < 0 {
		return nil, errs.Validation("operation position and length must not be negative")
	}

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("session", err)
	}
	switch sess.Status {
	case model.SessionStatusActive:
	case model.SessionStatusPaused:
		return nil, errs.AccessDenied("session is paused").WithCode("session_paused")
	default:
		return nil, errs.AccessDenied("session has ended").WithCode("session_ended")
	}
	if !canEdit(sess, caller.UserID) {
		return nil, errs.AccessDenied("not allowed to edit this session")
	}

	now := s.clock.now()
	e := &model.CollaborationEvent{
		SessionID: sessionID,
		UserID:    caller.UserID,
		Type:      model.EventContentEdit,
		Change: &model.ContentChange{
			Position:  *op.Position,
			Length:    *op.Length,
			Content:   op.Content,
			Version:   op.Version,
			Operation: op.Type,
			Payload:   op.Payload,
			Before:    op.Before,
			After:     op.After,
		},
		CreatedAt: now,
	}
	if err := s.events.Append(ctx, e); err != nil {
		return nil, err
	}

	version := sess.CurrentVersion
	if v, err := s.sessions.TouchSession(ctx, sessionID, now, true); err != nil {
		swallow(s.logger, "session_touch", err, zap.String("session_id", sessionID))
	} else {
		version = v
	}

	conflicts, err := s.detector.Detect(ctx, e)
	if err != nil {
		s.logger.Error("conflict detection failed",
			zap.String("session_id", sessionID),
			zap.String("event_id", e.ID),
			zap.Error(err),
		)
	}

	return &EditResult{Event: e, Version: version, Conflicts: conflicts}, nil
}
