package model

import (
	"encoding/json"
	"time"
)

// CommentKind distinguishes plain remarks from actionable ones.
type CommentKind string

const (
	CommentKindComment    CommentKind = "comment"
	CommentKindSuggestion CommentKind = "suggestion"
	CommentKindQuestion   CommentKind = "question"
	CommentKindApproval   CommentKind = "approval"
	CommentKindNote       CommentKind = "note"
)

// Valid reports whether k is a known comment kind.
func (k CommentKind) Valid() bool {
	switch k {
	case CommentKindComment, CommentKindSuggestion, CommentKindQuestion, CommentKindApproval, CommentKindNote:
		return true
	}
	return false
}

// CommentStatus is the lifecycle state of a comment.
type CommentStatus string

const (
	CommentActive   CommentStatus = "active"
	CommentResolved CommentStatus = "resolved"
	CommentArchived CommentStatus = "archived"
	CommentDeleted  CommentStatus = "deleted"
)

// Comment visibility scopes.
const (
	CommentVisibilityPublic       = "public"
	CommentVisibilityParticipants = "participants"
	CommentVisibilityPrivate      = "private"
)

// ValidCommentVisibility reports whether v is a known visibility scope.
func ValidCommentVisibility(v string) bool {
	switch v {
	case CommentVisibilityPublic, CommentVisibilityParticipants, CommentVisibilityPrivate:
		return true
	}
	return false
}

// Anchor pins a comment to a place in the content.
type Anchor struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	ContextBefore string          `json:"context_before,omitempty"`
	ContextAfter  string          `json:"context_after,omitempty"`
}

// Comment is one entry in a comment thread. ThreadID is the root comment's ID.
type Comment struct {
	ID             string         `json:"id"`
	ParentID       string         `json:"parent_id,omitempty"`
	ThreadID       string         `json:"thread_id"`
	Content        ContentRef     `json:"content"`
	ContentVersion int64          `json:"content_version"`
	Anchor         Anchor         `json:"anchor"`
	Text           string         `json:"text"`
	HTML           string         `json:"html,omitempty"`
	Kind           CommentKind    `json:"kind"`
	AuthorID       string         `json:"author_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Visibility     string         `json:"visibility"`
	MentionedUsers []string       `json:"mentioned_users,omitempty"`
	Reactions      map[string]int `json:"reactions,omitempty"`
	ReplyCount     int            `json:"reply_count"`
	Resolved       bool           `json:"resolved"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Status         CommentStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// Replies is assembled on read; it is never stored.
	Replies []*Comment `json:"replies,omitempty"`
}

// IsRoot reports whether the comment starts a thread.
func (c *Comment) IsRoot() bool {
	return c.ParentID == ""
}

// CreateCommentRequest is the request to create a comment.
type CreateCommentRequest struct {
	ContentType    string          `json:"content_type"`
	ContentID      string          `json:"content_id"`
	ContentVersion int64           `json:"content_version"`
	SessionID      string          `json:"session_id,omitempty"`
	ParentID       string          `json:"parent_id,omitempty"`
	Text           string          `json:"text"`
	HTML           string          `json:"html,omitempty"`
	Kind           CommentKind     `json:"kind,omitempty"`
	AnchorType     string          `json:"anchor_type"`
	AnchorData     json.RawMessage `json:"anchor_data,omitempty"`
	ContextBefore  string          `json:"context_before,omitempty"`
	ContextAfter   string          `json:"context_after,omitempty"`
	Visibility     string          `json:"visibility,omitempty"`
	MentionedUsers []string        `json:"mentioned_users,omitempty"`
}

// CommentFilter narrows a comment listing. Filters apply to thread roots;
// matching roots are returned with all their replies.
type CommentFilter struct {
	Content   ContentRef
	SessionID string
	AuthorID  string
	Kind      CommentKind
	Resolved  *bool
}

// Matches reports whether c satisfies the filter's root-level predicates.
func (f CommentFilter) Matches(c *Comment) bool {
	if f.SessionID != "" && c.SessionID != f.SessionID {
		return false
	}
	if f.AuthorID != "" && c.AuthorID != f.AuthorID {
		return false
	}
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	if f.Resolved != nil && c.Resolved != *f.Resolved {
		return false
	}
	return true
}

// CommentThreadsResponse is the threaded comment listing.
type CommentThreadsResponse struct {
	Comments []*Comment `json:"comments"`
	Total    int        `json:"total"`
}
