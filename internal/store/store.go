// Package store persists sessions, events, conflicts, comments and presence.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errs.ErrNotFound
	// ErrSessionFull is returned when a newcomer would exceed max participants.
	ErrSessionFull = errors.New("session is full")
	// ErrSessionClosed is returned when a session no longer accepts changes.
	ErrSessionClosed = errors.New("session is closed")
	// ErrAlreadySettled is returned when a conflict was already resolved or ignored.
	ErrAlreadySettled = errors.New("conflict already settled")
	// ErrDuplicateConflict is returned when the event pair already has a conflict.
	ErrDuplicateConflict = errors.New("conflict already recorded for event pair")
)

// SessionStore persists session rows.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.Session, int, error)
	// UpdateSession writes the mutable settings and status of s.
	UpdateSession(ctx context.Context, s *model.Session) error
	// AddParticipant adds userID if absent, enforcing the participant limit
	// and the open status atomically. It returns the stored session.
	AddParticipant(ctx context.Context, sessionID, userID string, at time.Time) (*model.Session, error)
	// TouchSession records activity and optionally bumps the content version.
	TouchSession(ctx context.Context, sessionID string, at time.Time, bumpVersion bool) (int64, error)
	// EndSession moves an open session to ended.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) (*model.Session, error)
	// EndInactiveSessions ends active sessions idle since before idleBefore
	// or whose expiry has passed, returning their ids.
	EndInactiveSessions(ctx context.Context, idleBefore, now time.Time) ([]string, error)
}

// EventStore is the append-only collaboration event log.
type EventStore interface {
	// AppendEvent stores e and sets e.Seq to its position in the log.
	AppendEvent(ctx context.Context, e *model.CollaborationEvent) error
	// RecentEdits returns content_edit events of other users newest first.
	RecentEdits(ctx context.Context, sessionID, excludeUserID string, since time.Time) ([]model.CollaborationEvent, error)
	AddEventConflict(ctx context.Context, eventID, otherEventID string) error
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.CollaborationEvent, error)
}

// ConflictStore persists detected conflicts.
type ConflictStore interface {
	// InsertConflict stores c, returning ErrDuplicateConflict when its
	// earlier/later event pair is already recorded.
	InsertConflict(ctx context.Context, c *model.Conflict) error
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	ListConflicts(ctx context.Context, sessionID string, status model.ConflictStatus) ([]model.Conflict, error)
	// SettleConflict writes the status and resolution fields of c unless the
	// stored conflict is already settled.
	SettleConflict(ctx context.Context, c *model.Conflict) error
}

// CommentStore persists comment threads.
type CommentStore interface {
	// InsertComment stores c and bumps reply counts of its parent and
	// thread root in the same transaction.
	InsertComment(ctx context.Context, c *model.Comment) error
	GetComment(ctx context.Context, id string) (*model.Comment, error)
	// ResolveComment marks the comment resolved; resolving twice keeps the first resolver.
	ResolveComment(ctx context.Context, id, resolvedBy string, at time.Time) (*model.Comment, error)
	// ListComments returns every comment on content in creation order.
	ListComments(ctx context.Context, content model.ContentRef) ([]*model.Comment, error)
}

// PresenceStore persists per-session presence.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, u model.PresenceUpdate) error
	ListPresence(ctx context.Context, sessionID string) ([]model.Presence, error)
	DeleteStalePresence(ctx context.Context, before time.Time) (int64, error)
}

// Pinger is implemented by backends with a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the full record store.
type Store interface {
	SessionStore
	EventStore
	ConflictStore
	CommentStore
	PresenceStore
	Pinger
	Close() error
}
