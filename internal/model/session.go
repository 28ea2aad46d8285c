// Package model defines data structures for the collaboration engine.
package model

import (
	"time"
)

// SessionType describes what participants do in a session.
type SessionType string

const (
	SessionTypeEditing      SessionType = "editing"
	SessionTypeReviewing    SessionType = "reviewing"
	SessionTypeCommenting   SessionType = "commenting"
	SessionTypePresentation SessionType = "presentation"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeEditing, SessionTypeReviewing, SessionTypeCommenting, SessionTypePresentation:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusPaused   SessionStatus = "paused"
	SessionStatusEnded    SessionStatus = "ended"
	SessionStatusArchived SessionStatus = "archived"
)

// DefaultMaxParticipants applies when a create request omits the limit.
const DefaultMaxParticipants = 50

// ContentRef points at the content item a session or comment is about.
type ContentRef struct {
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
}

// String renders the reference as type/id.
func (c ContentRef) String() string {
	return c.ContentType + "/" + c.ContentID
}

// Permissions are the defaults granted to non-owner participants.
type Permissions struct {
	CanEdit    bool `json:"can_edit"`
	CanComment bool `json:"can_comment"`
	CanSuggest bool `json:"can_suggest"`
	CanApprove bool `json:"can_approve"`
}

// DefaultPermissions returns the permissions new sessions start with.
func DefaultPermissions() Permissions {
	return Permissions{CanEdit: true, CanComment: true, CanSuggest: true}
}

// Session is a bounded collaborative context over one content item.
type Session struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Type            SessionType   `json:"type"`
	Content         ContentRef    `json:"content"`
	OwnerID         string        `json:"owner_id"`
	Participants    []string      `json:"participants"`
	MaxParticipants int           `json:"max_participants"`
	IsPublic        bool          `json:"is_public"`
	AllowAnonymous  bool          `json:"allow_anonymous"`
	Permissions     Permissions   `json:"permissions"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	BaseVersion     int64         `json:"base_version"`
	CurrentVersion  int64         `json:"current_version"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsParticipant reports whether userID is the owner or in the participant set.
func (s *Session) IsParticipant(userID string) bool {
	if userID == s.OwnerID {
		return true
	}
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// IsOpen reports whether the session still accepts joins.
func (s *Session) IsOpen() bool {
	return s.Status == SessionStatusActive || s.Status == SessionStatusPaused
}

// CanTransition reports whether an explicit update may move the session to next.
// Ending goes through EndSession, never through an update.
func (s *Session) CanTransition(next SessionStatus) bool {
	if s.Status == next {
		return true
	}
	switch s.Status {
	case SessionStatusActive:
		return next == SessionStatusPaused
	case SessionStatusPaused:
		return next == SessionStatusActive
	case SessionStatusEnded:
		return next == SessionStatusArchived
	}
	return false
}

// CreateSessionRequest is the request to create a new session.
type CreateSessionRequest struct {
	Name            string       `json:"name"`
	Type            SessionType  `json:"type"`
	ContentType     string       `json:"content_type"`
	ContentID       string       `json:"content_id"`
	MaxParticipants *int         `json:"max_participants,omitempty"`
	IsPublic        bool         `json:"is_public"`
	AllowAnonymous  bool         `json:"allow_anonymous"`
	Permissions     *Permissions `json:"permissions,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	BaseVersion     int64        `json:"base_version"`
}

// UpdateSessionRequest is the request to update a session. Nil fields are left unchanged.
type UpdateSessionRequest struct {
	Name            *string        `json:"name,omitempty"`
	MaxParticipants *int           `json:"max_participants,omitempty"`
	IsPublic        *bool          `json:"is_public,omitempty"`
	AllowAnonymous  *bool          `json:"allow_anonymous,omitempty"`
	Permissions     *Permissions   `json:"permissions,omitempty"`
	Status          *SessionStatus `json:"status,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
}

// SessionFilter narrows a session listing. UserID scopes results to sessions
// the user owns or participates in.
type SessionFilter struct {
	UserID      string
	Status      SessionStatus
	ContentType string
	Limit       int
	Offset      int
}

// SessionSnapshot is a session together with who is live in it right now.
type SessionSnapshot struct {
	Session          *Session   `json:"session"`
	LiveParticipants []Presence `json:"live_participants"`
	Connected        []string   `json:"connected_users"`
}

// ListSessionsResponse is the response for listing sessions.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}

// Identity is an already-verified caller.
type Identity struct {
	UserID    string
	Name      string
	Anonymous bool
	Scopes    []string
}

// ScopeModerate lets a caller settle conflicts in sessions they are not part of.
const ScopeModerate = "collab:moderate"

// HasScope reports whether the identity carries scope.
func (i Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
