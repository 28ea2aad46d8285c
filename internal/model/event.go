package model

import (
	"encoding/json"
	"time"
)

// EventType represents the type of collaboration event.
type EventType string

const (
	EventSessionJoin      EventType = "session_join"
	EventSessionLeave     EventType = "session_leave"
	EventContentEdit      EventType = "content_edit"
	EventCommentAdd       EventType = "comment_add"
	EventCursorMove       EventType = "cursor_move"
	EventSelectionChange  EventType = "selection_change"
	EventFormatChange     EventType = "format_change"
	EventConflictDetected EventType = "conflict_detected"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionJoin, EventSessionLeave, EventContentEdit, EventCommentAdd,
		EventCursorMove, EventSelectionChange, EventFormatChange, EventConflictDetected:
		return true
	}
	return false
}

// ContentChange describes the range an edit touched.
type ContentChange struct {
	Position  int             `json:"position"`
	Length    int             `json:"length"`
	Content   string          `json:"content"`
	Version   int64           `json:"version"`
	Operation string          `json:"operation,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Before    string          `json:"before,omitempty"`
	After     string          `json:"after,omitempty"`
}

// CollaborationEvent is an immutable record of one collaborative action.
// ConflictsWith is the only field ever appended to after insert.
type CollaborationEvent struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq,omitempty"`
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	Type          EventType       `json:"type"`
	Change        *ContentChange  `json:"change,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	ConflictsWith []string        `json:"conflicts_with,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EventFilter narrows an event listing.
type EventFilter struct {
	SessionID string
	Type      EventType
	Limit     int
	Offset    int
}

// ListEventsResponse is the response for listing raw events.
type ListEventsResponse struct {
	Events  []CollaborationEvent `json:"events"`
	HasMore bool                 `json:"has_more"`
}
