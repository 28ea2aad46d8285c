package model

import (
	"time"
)

// ConflictType classifies how two edits collided.
type ConflictType string

const (
	ConflictEditOverlap        ConflictType = "edit_overlap"
	ConflictSimultaneousEdit   ConflictType = "simultaneous_edit"
	ConflictVersionMismatch    ConflictType = "version_mismatch"
	ConflictPermissionConflict ConflictType = "permission_conflict"
)

// ConflictSeverity ranks how disruptive a conflict is.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ConflictStatus is the resolution state of a conflict.
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictIgnored   ConflictStatus = "ignored"
	ConflictEscalated ConflictStatus = "escalated"
)

// Settled reports whether no further resolution is accepted.
func (s ConflictStatus) Settled() bool {
	return s == ConflictResolved || s == ConflictIgnored
}

// ResolutionStrategy names how the final content was produced.
type ResolutionStrategy string

const (
	StrategyAutoMerge   ResolutionStrategy = "auto_merge"
	StrategyManualMerge ResolutionStrategy = "manual_merge"
	StrategyUserChoice  ResolutionStrategy = "user_choice"
	StrategyLatestWins  ResolutionStrategy = "latest_wins"
	StrategyOldestWins  ResolutionStrategy = "oldest_wins"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyAutoMerge, StrategyManualMerge, StrategyUserChoice, StrategyLatestWins, StrategyOldestWins:
		return true
	}
	return false
}

// Conflict is a detected overlap between two edit events.
// EarlierEventID is the existing edit, LaterEventID the one that triggered detection.
type Conflict struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"session_id"`
	EarlierEventID  string             `json:"earlier_event_id"`
	LaterEventID    string             `json:"later_event_id"`
	EarlierUserID   string             `json:"earlier_user_id"`
	LaterUserID     string             `json:"later_user_id"`
	Type            ConflictType       `json:"type"`
	Severity        ConflictSeverity   `json:"severity"`
	Position        int                `json:"position"`
	Length          int                `json:"length"`
	EarlierContent  string             `json:"earlier_content"`
	LaterContent    string             `json:"later_content"`
	Status          ConflictStatus     `json:"status"`
	Strategy        ResolutionStrategy `json:"strategy,omitempty"`
	ResolvedContent string             `json:"resolved_content,omitempty"`
	ResolvedBy      string             `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// References reports whether the conflict involves eventID.
func (c *Conflict) References(eventID string) bool {
	return c.EarlierEventID == eventID || c.LaterEventID == eventID
}

// ResolveConflictRequest settles a pending conflict.
type ResolveConflictRequest struct {
	Strategy ResolutionStrategy `json:"strategy"`
	Content  string             `json:"content"`
}

// UpdateConflictStatusRequest marks a conflict ignored or escalated.
type UpdateConflictStatusRequest struct {
	Status ConflictStatus `json:"status"`
}

// MergeSuggestion is a proposed merged fragment. It is advisory only.
type MergeSuggestion struct {
	ConflictID string `json:"conflict_id"`
	Content    string `json:"content"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// ListConflictsResponse is the response for listing conflicts.
type ListConflictsResponse struct {
	Conflicts []Conflict `json:"conflicts"`
}
