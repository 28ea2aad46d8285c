package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

const (
	defaultEventPageSize = 50
	maxEventPageSize     = 500
)

// EventPublisher mirrors appended events to an external stream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *model.CollaborationEvent) error
}

// EventLog appends collaboration events and reads them back.
type EventLog struct {
	store     store.EventStore
	publisher EventPublisher
	clock     Clock
	logger    *logger.Logger
}

// NewEventLog creates an event log. publisher may be nil.
func NewEventLog(es store.EventStore, publisher EventPublisher, clock Clock, log *logger.Logger) *EventLog {
	return &EventLog{store: es, publisher: publisher, clock: clock, logger: log}
}

// Append stores e, filling in its id and timestamp when unset.
func (l *EventLog) Append(ctx context.Context, e *model.CollaborationEvent) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock.now()
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		return errs.Persistence("failed to append event", err)
	}
	l.mirror(e)
	return nil
}

// Record appends an event on a non-critical path: failures are logged and
// swallowed.
func (l *EventLog) Record(ctx context.Context, sessionID, userID string, typ model.EventType, data any) {
	e := &model.CollaborationEvent{SessionID: sessionID, UserID: userID, Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			l.logger.Warn("failed to encode event data", zap.String("type", string(typ)), zap.Error(err))
		} else {
			e.Data = raw
		}
	}
	if err := l.Append(ctx, e); err != nil {
		swallow(l.logger, "event_"+string(typ), err,
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
		)
	}
}

func (l *EventLog) mirror(e *model.CollaborationEvent) {
	if l.publisher == nil {
		return
	}
	cp := *e
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.publisher.PublishEvent(ctx, &cp); err != nil {
			l.logger.Warn("failed to mirror event",
				zap.String("event_id", cp.ID),
				zap.String("session_id", cp.SessionID),
				zap.Error(err),
			)
		}
	}()
}

// List returns a page of raw events for a session.
func (l *EventLog) List(ctx context.Context, filter model.EventFilter) (*model.ListEventsResponse, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, errs.Validation("unknown event type")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultEventPageSize
	}
	if filter.Limit > maxEventPageSize {
		filter.Limit = maxEventPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	limit := filter.Limit
	filter.Limit = limit + 1
	events, err := l.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, errs.Persistence("failed to list events", err)
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	if events == nil {
		events = []model.CollaborationEvent{}
	}
	return &model.ListEventsResponse{Events: events, HasMore: hasMore}, nil
}
