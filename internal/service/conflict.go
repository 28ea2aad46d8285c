package service

import (
	"context"
	"encoding/json"
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

// DefaultConflictWindow is how far back the detector looks for overlapping edits.
const DefaultConflictWindow = 5 * time.Second

// MergeAssistant proposes a merged fragment for a conflict.
type MergeAssistant interface {
	SuggestMerge(ctx context.Context, c *model.Conflict) (*model.MergeSuggestion, error)
}

// ConflictDetector flags overlapping edits and settles the resulting conflicts.
type ConflictDetector struct {
	events    store.EventStore
	conflicts store.ConflictStore
	sessions  store.SessionStore
	log       *EventLog
	assistant MergeAssistant
	window    time.Duration
	clock     Clock
	logger    *logger.Logger
}

// NewConflictDetector creates a detector. assistant may be nil.
func NewConflictDetector(
	events store.EventStore,
	conflicts store.ConflictStore,
	sessions store.SessionStore,
	log *EventLog,
	assistant MergeAssistant,
	window time.Duration,
	clock Clock,
	lg *logger.Logger,
) *ConflictDetector {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	return &ConflictDetector{
		events:    events,
		conflicts: conflicts,
		sessions:  sessions,
		log:       log,
		assistant: assistant,
		window:    window,
		clock:     clock,
		logger:    lg,
	}
}

// Overlaps is the overlap heuristic: the distance between start positions
// is smaller than the longer of the two lengths.
func Overlaps(p1, l1, p2, l2 int) bool {
	d := p1 - p2
	if d < 0 {
		d = -d
	}
	longest := l1
	if l2 > longest {
		longest = l2
	}
	return d < longest
}

// Detect checks a freshly appended content_edit against other users' edits
// in the window and records one conflict per overlapping pair. Pairs are
// ordered by log position, so whichever of two concurrent edits runs
// detection second records the conflict, and a pair seen by both is stored once.
func (d *ConflictDetector) Detect(ctx context.Context, e *model.CollaborationEvent) (_ []*model.Conflict, err error) {
	if e.Type != model.EventContentEdit || e.Change == nil {
		return nil, nil
	}
	ctx, span := startSpan(ctx, "ConflictDetector.Detect",
		attribute.String("session.id", e.SessionID),
		attribute.String("event.id", e.ID),
	)
	defer func() { endSpan(span, err) }()

	candidates, err := d.events.RecentEdits(ctx, e.SessionID, e.UserID, e.CreatedAt.Add(-d.window))
	if err != nil {
		return nil, errs.Persistence("failed to load recent edits", err)
	}

	var found []*model.Conflict
	for i := range candidates {
		other := &candidates[i]
		if other.ID == e.ID || other.Change == nil || !d.withinWindow(other, e) {
			continue
		}
		if !Overlaps(other.Change.Position, other.Change.Length, e.Change.Position, e.Change.Length) {
			continue
		}
		earlier, later := other, e
		if other.Seq > e.Seq {
			earlier, later = e, other
		}
		c, err := d.record(ctx, earlier, later)
		if errors.Is(err, store.ErrDuplicateConflict) {
			continue
		}
		if err != nil {
			return found, err
		}
		e.ConflictsWith = append(e.ConflictsWith, other.ID)
		found = append(found, c)
	}
	span.SetAttributes(attribute.Int("conflicts", len(found)))
	return found, nil
}

func (d *ConflictDetector) withinWindow(a, b *model.CollaborationEvent) bool {
	gap := a.CreatedAt.Sub(b.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= d.window
}

func (d *ConflictDetector) record(ctx context.Context, earlier, later *model.CollaborationEvent) (*model.Conflict, error) {
	position := earlier.Change.Position
	if later.Change.Position < position {
		position = later.Change.Position
	}
	length := earlier.Change.Length
	if later.Change.Length > length {
		length = later.Change.Length
	}

	c := &model.Conflict{
		ID:             newID(),
		SessionID:      later.SessionID,
		EarlierEventID: earlier.ID,
		LaterEventID:   later.ID,
		EarlierUserID:  earlier.UserID,
		LaterUserID:    later.UserID,
		Type:           model.ConflictEditOverlap,
		Severity:       model.SeverityMedium,
		Position:       position,
		Length:         length,
		EarlierContent: earlier.Change.Content,
		LaterContent:   later.Change.Content,
		Status:         model.ConflictPending,
		CreatedAt:      d.clock.now(),
	}
	if err := d.conflicts.InsertConflict(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicateConflict) {
			return nil, err
		}
		return nil, errs.Persistence("failed to record conflict", err)
	}
	if err := d.events.AddEventConflict(ctx, earlier.ID, later.ID); err != nil {
		swallow(d.logger, "event_conflict_ref", err, zap.String("event_id", earlier.ID))
	}
	if err := d.events.AddEventConflict(ctx, later.ID, earlier.ID); err != nil {
		swallow(d.logger, "event_conflict_ref", err, zap.String("event_id", later.ID))
	}

	data, _ := json.Marshal(map[string]string{"conflict_id": c.ID})
	if err := d.log.Append(ctx, &model.CollaborationEvent{
		SessionID:     c.SessionID,
		UserID:        later.UserID,
		Type:          model.EventConflictDetected,
		Data:          data,
		ConflictsWith: []string{earlier.ID, later.ID},
	}); err != nil {
		swallow(d.logger, "event_conflict_detected", err, zap.String("conflict_id", c.ID))
	}

	metrics.ConflictsDetected.WithLabelValues(string(c.Type)).Inc()
	d.logger.Info("conflict detected",
		zap.String("conflict_id", c.ID),
		zap.String("session_id", c.SessionID),
		zap.String("earlier_event_id", earlier.ID),
		zap.String("later_event_id", later.ID),
	)
	return c, nil
}

// authorize loads the conflict and checks the caller may act on it.
func (d *ConflictDetector) authorize(ctx context.Context, caller model.Identity, sessionID, conflictID string) (*model.Conflict, error) {
	c, err := d.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, storeError("conflict", err)
	}
	if c.SessionID != sessionID {
		return nil, errs.NotFound("conflict not found")
	}
	if caller.HasScope(model.ScopeModerate) {
		return c, nil
	}
	sess, err := d.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("session", err)
	}
	if !sess.IsParticipant(caller.UserID) {
		return nil, errs.AccessDenied("not a participant of this session")
	}
	return c, nil
}

// Resolve settles a conflict with the given strategy and final content.
func (d *ConflictDetector) Resolve(ctx context.Context, caller model.Identity, sessionID, conflictID string, req *model.ResolveConflictRequest) (*model.Conflict, error) {
	if !req.Strategy.Valid() {
		return nil, errs.Validation("unknown resolution strategy")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errs.Validation("resolved content is required")
	}

	c, err := d.authorize(ctx, caller, sessionID, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status.Settled() {
		return nil, errs.Validation("conflict is already settled").WithCode("conflict_settled")
	}

	now := d.clock.now()
	c.Status = model.ConflictResolved
	c.Strategy = req.Strategy
	c.ResolvedContent = req.Content
	c.ResolvedBy = caller.UserID
	c.ResolvedAt = &now
	if err := d.conflicts.SettleConflict(ctx, c); err != nil {
		return nil, storeError("conflict", err)
	}

	metrics.ConflictsResolved.WithLabelValues(string(req.Strategy)).Inc()
	d.logger.Info("conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("strategy", string(c.Strategy)),
		zap.String("resolved_by", caller.UserID),
	)
	return c, nil
}

// SetStatus marks a conflict ignored or escalated.
func (d *ConflictDetector) SetStatus(ctx context.Context, caller model.Identity, sessionID, conflictID string, status model.ConflictStatus) (*model.Conflict, error) {
	if status != model.ConflictIgnored && status != model.ConflictEscalated {
		return nil, errs.Validation("status must be ignored or escalated")
	}

	c, err := d.authorize(ctx, caller, sessionID, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status.Settled() {
		return nil, errs.Validation("conflict is already settled").WithCode("conflict_settled")
	}

	c.Status = status
	if status == model.ConflictIgnored {
		now := d.clock.now()
		c.ResolvedBy = caller.UserID
		c.ResolvedAt = &now
	}
	if err := d.conflicts.SettleConflict(ctx, c); err != nil {
		return nil, storeError("conflict", err)
	}
	return c, nil
}

// List returns a session's conflicts with the given status, pending by default.
func (d *ConflictDetector) List(ctx context.Context, caller model.Identity, sessionID string, status model.ConflictStatus) (*model.ListConflictsResponse, error) {
	sess, err := d.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("session", err)
	}
	if !sess.IsParticipant(caller.UserID) && !caller.HasScope(model.ScopeModerate) {
		return nil, errs.AccessDenied("not a participant of this session")
	}
	if status == "" {
		status = model.ConflictPending
	}

	conflicts, err := d.conflicts.ListConflicts(ctx, sessionID, status)
	if err != nil {
		return nil, errs.Persistence("failed to list conflicts", err)
	}
	return &model.ListConflictsResponse{Conflicts: conflicts}, nil
}

// Suggest asks the merge assistant for a proposed resolution. Nothing is
// applied; the caller still has to resolve explicitly.
func (d *ConflictDetector) Suggest(ctx context.Context, caller model.Identity, sessionID, conflictID string) (*model.MergeSuggestion, error) {
	if d.assistant == nil {
		return nil, errs.Validation("merge suggestions are not configured").WithCode("suggestions_disabled")
	}
	c, err := d.authorize(ctx, caller, sessionID, conflictID)
	if err != nil {
		return nil, err
	}
	suggestion, err := d.assistant.SuggestMerge(ctx, c)
	if err != nil {
		return nil, errs.Internal("merge suggestion failed", err)
	}
	return suggestion, nil
}
