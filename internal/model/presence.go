package model

import (
	"encoding/json"
	"time"
)

// PresenceStatus is a participant's liveness state.
type PresenceStatus string

const (
	PresenceActive  PresenceStatus = "active"
	PresenceIdle    PresenceStatus = "idle"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceActive, PresenceIdle, PresenceAway, PresenceOffline:
		return true
	}
	return false
}

// Presence is one user's live state within one session.
type Presence struct {
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id"`
	Status      PresenceStatus  `json:"status"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
	Selection   json.RawMessage `json:"selection,omitempty"`
	Viewport    json.RawMessage `json:"viewport,omitempty"`
	ActionCount int64           `json:"action_count"`
	LastSeenAt  time.Time       `json:"last_seen_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IsLive reports whether the participant counts as present at now.
func (p Presence) IsLive(now time.Time, window time.Duration) bool {
	if p.Status != PresenceActive && p.Status != PresenceIdle {
		return false
	}
	return now.Sub(p.LastSeenAt) <= window
}

// PresenceUpdate is an idempotent write keyed by (UserID, SessionID).
// Nil position fields keep their stored values.
type PresenceUpdate struct {
	UserID    string
	SessionID string
	Status    PresenceStatus
	Cursor    json.RawMessage
	Selection json.RawMessage
	Viewport  json.RawMessage
	At        time.Time
}

// Apply merges the update into p, bumping the action counter.
func (u PresenceUpdate) Apply(p *Presence) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = u.At
	}
	p.UserID = u.UserID
	p.SessionID = u.SessionID
	p.Status = u.Status
	if u.Cursor != nil {
		p.Cursor = u.Cursor
	}
	if u.Selection != nil {
		p.Selection = u.Selection
	}
	if u.Viewport != nil {
		p.Viewport = u.Viewport
	}
	p.ActionCount++
	p.LastSeenAt = u.At
}
