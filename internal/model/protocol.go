package model

import (
	"encoding/json"
	"time"
)

// MessageKind is the closed set of inbound websocket message types.
type MessageKind string

const (
	KindJoinSession     MessageKind = "join_session"
	KindLeaveSession    MessageKind = "leave_session"
	KindContentEdit     MessageKind = "content_edit"
	KindCursorUpdate    MessageKind = "cursor_update"
	KindSelectionUpdate MessageKind = "selection_update"
	KindCommentAdd      MessageKind = "comment_add"
	KindPresenceUpdate  MessageKind = "presence_update"
	KindHeartbeat       MessageKind = "heartbeat"
)

// MessageKinds lists every inbound kind.
var MessageKinds = []MessageKind{
	KindJoinSession,
	KindLeaveSession,
	KindContentEdit,
	KindCursorUpdate,
	KindSelectionUpdate,
	KindCommentAdd,
	KindPresenceUpdate,
	KindHeartbeat,
}

// ParseMessageKind validates a raw type discriminator.
func ParseMessageKind(s string) (MessageKind, bool) {
	for _, k := range MessageKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Envelope is the part every inbound frame shares.
type Envelope struct {
	Type string `json:"type"`
}

// JoinSessionMessage asks to bind the connection to a session.
type JoinSessionMessage struct {
	SessionID string `json:"sessionId"`
}

// LeaveSessionMessage releases the connection's session binding.
type LeaveSessionMessage struct {
	SessionID string `json:"sessionId"`
}

// EditOperation is the client's description of a content change.
type EditOperation struct {
	Type     string          `json:"type,omitempty"`
	Position *int            `json:"position"`
	Length   *int            `json:"length"`
	Content  string          `json:"content"`
	Version  int64           `json:"version"`
	Before   string          `json:"before,omitempty"`
	After    string          `json:"after,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ContentEditMessage carries one edit operation.
type ContentEditMessage struct {
	Operation *EditOperation `json:"operation"`
}

// CursorUpdateMessage moves the sender's cursor.
type CursorUpdateMessage struct {
	Position json.RawMessage `json:"position"`
}

// SelectionUpdateMessage changes the sender's selection.
type SelectionUpdateMessage struct {
	Selection json.RawMessage `json:"selection"`
}

// CommentAddMessage creates a comment on the session's content.
type CommentAddMessage struct {
	Text            string          `json:"text"`
	HTML            string          `json:"html,omitempty"`
	Kind            CommentKind     `json:"kind,omitempty"`
	AnchorType      string          `json:"anchorType"`
	AnchorData      json.RawMessage `json:"anchorData"`
	ContextBefore   string          `json:"contextBefore,omitempty"`
	ContextAfter    string          `json:"contextAfter,omitempty"`
	MentionedUsers  []string        `json:"mentionedUsers,omitempty"`
	ParentCommentID string          `json:"parentCommentId,omitempty"`
}

// PresenceUpdateMessage changes the sender's presence status.
type PresenceUpdateMessage struct {
	Status   PresenceStatus  `json:"status"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// OutboundType names server-to-client frames.
type OutboundType string

const (
	OutSessionJoined    OutboundType = "session_joined"
	OutSessionLeft      OutboundType = "session_left"
	OutSessionEnded     OutboundType = "session_ended"
	OutUserJoined       OutboundType = "user_joined"
	OutUserLeft         OutboundType = "user_left"
	OutRemoteEdit       OutboundType = "remote_edit"
	OutEditApplied      OutboundType = "edit_applied"
	OutRemoteCursor     OutboundType = "remote_cursor"
	OutRemoteSelection  OutboundType = "remote_selection"
	OutCommentAdded     OutboundType = "comment_added"
	OutCommentSaved     OutboundType = "comment_saved"
	OutPresenceUpdated  OutboundType = "presence_updated"
	OutConflictDetected OutboundType = "conflict_detected"
	OutHeartbeatAck     OutboundType = "heartbeat_ack"
	OutError            OutboundType = "error"
)

// Header is embedded in every outbound frame.
type Header struct {
	Type      OutboundType `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	UserID    string       `json:"userId,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// SessionJoinedMessage answers a successful join with the session snapshot.
type SessionJoinedMessage struct {
	Header
	Snapshot *SessionSnapshot `json:"snapshot"`
}

// UserPresenceMessage announces a participant joining or leaving.
type UserPresenceMessage struct {
	Header
	Name string `json:"name,omitempty"`
}

// SessionEndedMessage tells every connection the session is closed.
type SessionEndedMessage struct {
	Header
	Reason  string    `json:"reason"`
	EndedAt time.Time `json:"endedAt"`
}

// RemoteEditMessage relays an edit to other participants.
type RemoteEditMessage struct {
	Header
	EventID   string        `json:"eventId"`
	Operation EditOperation `json:"operation"`
	Version   int64         `json:"version"`
}

// EditAppliedMessage acknowledges the sender's edit once it is logged and checked.
type EditAppliedMessage struct {
	Header
	EventID   string      `json:"eventId"`
	Version   int64       `json:"version"`
	Conflicts []*Conflict `json:"conflicts,omitempty"`
}

// RemoteCursorMessage relays a cursor move.
type RemoteCursorMessage struct {
	Header
	Position json.RawMessage `json:"position"`
}

// RemoteSelectionMessage relays a selection change.
type RemoteSelectionMessage struct {
	Header
	Selection json.RawMessage `json:"selection"`
}

// CommentMessage carries a stored comment.
type CommentMessage struct {
	Header
	Comment *Comment `json:"comment"`
}

// PresenceUpdatedMessage relays a presence status change.
type PresenceUpdatedMessage struct {
	Header
	Status   PresenceStatus  `json:"status"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ConflictDetectedMessage announces a new conflict.
type ConflictDetectedMessage struct {
	Header
	Conflict *Conflict `json:"conflict"`
}

// HeartbeatAckMessage answers a heartbeat.
type HeartbeatAckMessage struct {
	Header
	ServerTime time.Time `json:"serverTime"`
}

// ErrorMessage reports a failure to the sender only.
type ErrorMessage struct {
	Header
	Code        string `json:"code"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}
