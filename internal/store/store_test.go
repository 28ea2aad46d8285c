package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/collaboration-engine/internal/model"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func newSession(owner string, maxParticipants int) *model.Session {
	return &model.Session{
		ID:              newID(),
		Name:            "Draft review",
		Type:            model.SessionTypeEditing,
		Content:         model.ContentRef{ContentType: "document", ContentID: newID()},
		OwnerID:         owner,
		Participants:    []string{owner},
		MaxParticipants: maxParticipants,
		Permissions:     model.DefaultPermissions(),
		Status:          model.SessionStatusActive,
		StartedAt:       baseTime,
		LastActivityAt:  baseTime,
		UpdatedAt:       baseTime,
	}
}

func editEvent(sessionID, userID string, pos, length int, at time.Time) *model.CollaborationEvent {
	return &model.CollaborationEvent{
		ID:        newID(),
		SessionID: sessionID,
		UserID:    userID,
		Type:      model.EventContentEdit,
		Change:    &model.ContentChange{Position: pos, Length: length, Content: "x"},
		CreatedAt: at,
	}
}

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("session participants", func(t *testing.T) {
		sess := newSession("owner", 2)
		require.NoError(t, s.CreateSession(ctx, sess))

		got, err := s.AddParticipant(ctx, sess.ID, "bob", baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"owner", "bob"}, got.Participants)

		got, err = s.AddParticipant(ctx, sess.ID, "bob", baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Len(t, got.Participants, 2, "re-joining is idempotent")

		_, err = s.AddParticipant(ctx, sess.ID, "carol", baseTime)
		assert.ErrorIs(t, err, ErrSessionFull)

		_, err = s.AddParticipant(ctx, "missing", "carol", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("end session", func(t *testing.T) {
		sess := newSession("owner", 5)
		require.NoError(t, s.CreateSession(ctx, sess))

		ended, err := s.EndSession(ctx, sess.ID, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusEnded, ended.Status)
		require.NotNil(t, ended.EndedAt)

		_, err = s.EndSession(ctx, sess.ID, baseTime.Add(2*time.Hour))
		assert.ErrorIs(t, err, ErrSessionClosed)

		_, err = s.AddParticipant(ctx, sess.ID, "late", baseTime)
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("touch bumps version", func(t *testing.T) {
		sess := newSession("owner", 5)
		require.NoError(t, s.CreateSession(ctx, sess))

		v, err := s.TouchSession(ctx, sess.ID, baseTime.Add(time.Second), true)
		require.NoError(t, err)
		assert.EqualValues(t, 1, v)
		v, err = s.TouchSession(ctx, sess.ID, baseTime.Add(2*time.Second), false)
		require.NoError(t, err)
		assert.EqualValues(t, 1, v)
	})

	t.Run("end inactive sessions", func(t *testing.T) {
		now := baseTime.Add(48 * time.Hour)
		idle := newSession("owner", 5)
		fresh := newSession("owner", 5)
		fresh.LastActivityAt = now.Add(-time.Hour)
		expired := newSession("owner", 5)
		expired.LastActivityAt = now
		exp := now.Add(-time.Minute)
		expired.ExpiresAt = &exp
		for _, sess := range []*model.Session{idle, fresh, expired} {
			require.NoError(t, s.CreateSession(ctx, sess))
		}

		ids, err := s.EndInactiveSessions(ctx, now.Add(-24*time.Hour), now)
		require.NoError(t, err)
		assert.Contains(t, ids, idle.ID)
		assert.Contains(t, ids, expired.ID)
		assert.NotContains(t, ids, fresh.ID)

		got, err := s.GetSession(ctx, idle.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusEnded, got.Status)
		require.NotNil(t, got.EndedAt)
		assert.True(t, got.EndedAt.Equal(now))
	})

	t.Run("list sessions scoped to user", func(t *testing.T) {
		owner := newID()
		a := newSession(owner, 5)
		b := newSession("someone-else", 5)
		require.NoError(t, s.CreateSession(ctx, a))
		require.NoError(t, s.CreateSession(ctx, b))

		sessions, total, err := s.ListSessions(ctx, model.SessionFilter{UserID: owner})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, sessions, 1)
		assert.Equal(t, a.ID, sessions[0].ID)
	})

	t.Run("recent edits and conflict refs", func(t *testing.T) {
		sess := newSession("owner", 5)
		require.NoError(t, s.CreateSession(ctx, sess))

		old := editEvent(sess.ID, "alice", 0, 5, baseTime)
		recent := editEvent(sess.ID, "alice", 10, 5, baseTime.Add(10*time.Second))
		own := editEvent(sess.ID, "bob", 10, 5, baseTime.Add(11*time.Second))
		for _, e := range []*model.CollaborationEvent{old, recent, own} {
			require.NoError(t, s.AppendEvent(ctx, e))
		}

		assert.Less(t, old.Seq, recent.Seq)
		assert.Less(t, recent.Seq, own.Seq)

		edits, err := s.RecentEdits(ctx, sess.ID, "bob", baseTime.Add(6*time.Second))
		require.NoError(t, err)
		require.Len(t, edits, 1)
		assert.Equal(t, recent.ID, edits[0].ID)
		assert.Equal(t, recent.Seq, edits[0].Seq)

		require.NoError(t, s.AddEventConflict(ctx, recent.ID, own.ID))
		events, err := s.ListEvents(ctx, model.EventFilter{SessionID: sess.ID, Type: model.EventContentEdit})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, []string{own.ID}, events[1].ConflictsWith)

		page, err := s.ListEvents(ctx, model.EventFilter{SessionID: sess.ID, Limit: 1, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, own.ID, page[0].ID)
	})

	t.Run("conflicts settle once", func(t *testing.T) {
		sess := newSession("owner", 5)
		require.NoError(t, s.CreateSession(ctx, sess))
		e1 := editEvent(sess.ID, "alice", 100, 10, baseTime)
		e2 := editEvent(sess.ID, "bob", 105, 8, baseTime.Add(time.Second))
		require.NoError(t, s.AppendEvent(ctx, e1))
		require.NoError(t, s.AppendEvent(ctx, e2))

		c := &model.Conflict{
			ID: newID(), SessionID: sess.ID,
			EarlierEventID: e1.ID, LaterEventID: e2.ID,
			EarlierUserID: "alice", LaterUserID: "bob",
			Type: model.ConflictEditOverlap, Severity: model.SeverityMedium,
			Position: 100, Length: 10, EarlierContent: "a", LaterContent: "b",
			Status: model.ConflictPending, CreatedAt: baseTime,
		}
		require.NoError(t, s.InsertConflict(ctx, c))

		dup := *c
		dup.ID = newID()
		assert.ErrorIs(t, s.InsertConflict(ctx, &dup), ErrDuplicateConflict)

		pending, err := s.ListConflicts(ctx, sess.ID, model.ConflictPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		at := baseTime.Add(time.Minute)
		c.Status = model.ConflictResolved
		c.Strategy = model.StrategyManualMerge
		c.ResolvedContent = "merged"
		c.ResolvedBy = "owner"
		c.ResolvedAt = &at
		require.NoError(t, s.SettleConflict(ctx, c))
		assert.ErrorIs(t, s.SettleConflict(ctx, c), ErrAlreadySettled)

		got, err := s.GetConflict(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ConflictResolved, got.Status)
		assert.Equal(t, "merged", got.ResolvedContent)

		pending, err = s.ListConflicts(ctx, sess.ID, model.ConflictPending)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("comment reply counts", func(t *testing.T) {
		content := model.ContentRef{ContentType: "document", ContentID: newID()}
		mk := func(parent *model.Comment) *model.Comment {
			c := &model.Comment{
				ID: newID(), Content: content, Text: "hi", Kind: model.CommentKindComment,
				AuthorID: "alice", Visibility: "public", Status: model.CommentActive,
				Anchor:    model.Anchor{Type: "text_range", Data: json.RawMessage(`{"start":1}`)},
				CreatedAt: baseTime, UpdatedAt: baseTime,
			}
			c.ThreadID = c.ID
			if parent != nil {
				c.ParentID = parent.ID
				c.ThreadID = parent.ThreadID
			}
			return c
		}
		root := mk(nil)
		reply := mk(root)
		nested := mk(reply)
		for _, c := range []*model.Comment{root, reply, nested} {
			require.NoError(t, s.InsertComment(ctx, c))
		}

		gotRoot, err := s.GetComment(ctx, root.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, gotRoot.ReplyCount)
		gotReply, err := s.GetComment(ctx, reply.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, gotReply.ReplyCount)

		all, err := s.ListComments(ctx, content)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, root.ID, all[0].ID)
		assert.Equal(t, nested.ID, all[2].ID)
	})

	t.Run("resolve comment is idempotent", func(t *testing.T) {
		c := &model.Comment{
			ID: newID(), Content: model.ContentRef{ContentType: "document", ContentID: newID()},
			Text: "typo", Kind: model.CommentKindSuggestion, AuthorID: "alice", Visibility: "public",
			Status: model.CommentActive, Anchor: model.Anchor{Type: "point"},
			CreatedAt: baseTime, UpdatedAt: baseTime,
		}
		c.ThreadID = c.ID
		require.NoError(t, s.InsertComment(ctx, c))

		first, err := s.ResolveComment(ctx, c.ID, "bob", baseTime.Add(time.Minute))
		require.NoError(t, err)
		second, err := s.ResolveComment(ctx, c.ID, "carol", baseTime.Add(time.Hour))
		require.NoError(t, err)

		assert.True(t, second.Resolved)
		assert.Equal(t, "bob", second.ResolvedBy)
		assert.True(t, first.ResolvedAt.Equal(*second.ResolvedAt))

		_, err = s.ResolveComment(ctx, "missing", "bob", baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("presence", func(t *testing.T) {
		runPresenceSuite(t, s, func() string {
			sess := newSession("owner", 5)
			require.NoError(t, s.CreateSession(ctx, sess))
			return sess.ID
		})
	})
}

// runPresenceSuite is shared with the Redis presence backend.
func runPresenceSuite(t *testing.T, s PresenceStore, newSessionID func() string) {
	ctx := context.Background()
	sessionID := newSessionID()

	require.NoError(t, s.UpsertPresence(ctx, model.PresenceUpdate{
		UserID: "alice", SessionID: sessionID, Status: model.PresenceActive,
		Cursor: json.RawMessage(`{"line":3}`), At: baseTime,
	}))
	require.NoError(t, s.UpsertPresence(ctx, model.PresenceUpdate{
		UserID: "alice", SessionID: sessionID, Status: model.PresenceIdle, At: baseTime.Add(time.Minute),
	}))
	require.NoError(t, s.UpsertPresence(ctx, model.PresenceUpdate{
		UserID: "bob", SessionID: sessionID, Status: model.PresenceActive, At: baseTime.Add(-72 * time.Hour),
	}))

	list, err := s.ListPresence(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].UserID)
	assert.Equal(t, model.PresenceIdle, list[0].Status)
	assert.EqualValues(t, 2, list[0].ActionCount)
	assert.JSONEq(t, `{"line":3}`, string(list[0].Cursor))
	assert.True(t, list[0].LastSeenAt.Equal(baseTime.Add(time.Minute)))

	n, err := s.DeleteStalePresence(ctx, baseTime.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	list, err = s.ListPresence(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].UserID)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := newSession("owner", 5)
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	got.Participants[0] = "mallory"

	again, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner", again.Participants[0])
}
