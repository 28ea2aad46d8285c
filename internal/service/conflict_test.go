package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
)

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name           string
		p1, l1, p2, l2 int
		want           bool
	}{
		{"same position", 100, 10, 100, 10, true},
		{"within longer length", 100, 10, 105, 3, true},
		{"distance equals length", 100, 5, 105, 5, false},
		{"far apart", 0, 10, 50, 10, false},
		{"zero lengths", 10, 0, 10, 0, false},
		{"longer second edit", 120, 1, 100, 30, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.p1, tt.l1, tt.p2, tt.l2))
		})
	}
}

func TestOverlappingEditsRaiseOneConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := h.createSession(t, "u1", true)
	h.join(t, sess.ID, "u1")
	h.join(t, sess.ID, "u2")

	first := h.edit(t, sess.ID, "u1", 100, 10)
	assert.Empty(t, first.Conflicts)

	h.clock.Advance(2 * time.Second)
	second := h.edit(t, sess.ID, "u2", 105, 10)
	require.Len(t, second.Conflicts, 1)

	c := second.Conflicts[0]
	assert.Equal(t, first.Event.ID, c.EarlierEventID)
	assert.Equal(t, second.Event.ID, c.LaterEventID)
	assert.Equal(t, model.ConflictEditOverlap, c.Type)
	assert.Equal(t, model.SeverityMedium, c.Severity)
	assert.Equal(t, model.ConflictPending, c.Status)
	assert.Equal(t, 100, c.Position)
	assert.Equal(t, 10, c.Length)
	assert.Equal(t, "text from u1", c.EarlierContent)
	assert.Equal(t, "text from u2", c.LaterContent)

	pending, err := h.detector.List(ctx, user("u1"), sess.ID, "")
	require.NoError(t, err)
	require.Len(t, pending.Conflicts, 1)

	edits, err := h.events.List(ctx, model.EventFilter{SessionID: sess.ID, Type: model.EventContentEdit})
	require.NoError(t, err)
	require.Len(t, edits.Events, 2)
	assert.Equal(t, []string{second.Event.ID}, edits.Events[0].ConflictsWith)
	assert.Equal(t, []string{first.Event.ID}, edits.Events[1].ConflictsWith)

	detected, err := h.events.List(ctx, model.EventFilter{SessionID: sess.ID, Type: model.EventConflictDetected})
	require.NoError(t, err)
	assert.Len(t, detected.Events, 1)
}

func TestEditsWithoutConflict(t *testing.T) {
	tests := []struct {
		name   string
		gap    time.Duration
		second string
		pos    int
	}{
		{"outside window", 6 * time.Second, "u2", 105},
		{"just past window", DefaultConflictWindow + time.Nanosecond, "u2", 105},
		{"ranges apart", time.Second, "u2", 300},
		{"same user", time.Second, "u1", 105},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sess := h.createSession(t, "u1", true)
			h.join(t, sess.ID, "u2")

			h.edit(t, sess.ID, "u1", 100, 10)
			h.clock.Advance(tt.gap)
			res := h.edit(t, sess.ID, tt.second, tt.pos, 10)
			assert.Empty(t, res.Conflicts)
		})
	}
}

func TestEditAtWindowEdgeConflicts(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "u1", true)
	h.join(t, sess.ID, "u2")

	h.edit(t, sess.ID, "u1", 100, 10)
	h.clock.Advance(DefaultConflictWindow)
	res := h.edit(t, sess.ID, "u2", 105, 10)
	assert.Len(t, res.Conflicts, 1)
}

func editEvent(sessionID, userID string, pos, length int, at time.Time) *model.CollaborationEvent {
	return &model.CollaborationEvent{
		SessionID: sessionID,
		UserID:    userID,
		Type:      model.EventContentEdit,
		Change:    &model.ContentChange{Position: pos, Length: length, Content: "text from " + userID},
		CreatedAt: at,
	}
}

func TestConcurrentEditsStoredOutOfTimestampOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.createSession(t, "u1", true)
	h.join(t, sess.ID, "u2")

	// u1 stamped first but u2 reached the log and ran detection first.
	e1 := editEvent(sess.ID, "u1", 100, 10, t0)
	e2 := editEvent(sess.ID, "u2", 102, 10, t0.Add(time.Millisecond))

	require.NoError(t, h.events.Append(ctx, e2))
	found, err := h.detector.Detect(ctx, e2)
	require.NoError(t, err)
	assert.Empty(t, found)

	require.NoError(t, h.events.Append(ctx, e1))
	found, err = h.detector.Detect(ctx, e1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, e2.ID, found[0].EarlierEventID)
	assert.Equal(t, e1.ID, found[0].LaterEventID)

	pending, err := h.detector.List(ctx, user("u1"), sess.ID, model.ConflictPending)
	require.NoError(t, err)
	assert.Len(t, pending.Conflicts, 1)
}

func TestConcurrentEditsSeenByBothDetectionsConflictOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.createSession(t, "u1", true)
	h.join(t, sess.ID, "u2")

	e1 := editEvent(sess.ID, "u1", 100, 10, t0)
	e2 := editEvent(sess.ID, "u2", 102, 10, t0)
	require.NoError(t, h.events.Append(ctx, e1))
	require.NoError(t, h.events.Append(ctx, e2))

	first, err := h.detector.Detect(ctx, e2)
	require.NoError(t, err)
	second, err := h.detector.Detect(ctx, e1)
	require.NoError(t, err)
	assert.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Equal(t, e1.ID, first[0].EarlierEventID)

	all, err := h.detector.List(ctx, user("u1"), sess.ID, "")
	require.NoError(t, err)
	assert.Len(t, all.Conflicts, 1)

	detected, err := h.events.List(ctx, model.EventFilter{SessionID: sess.ID, Type: model.EventConflictDetected})
	require.NoError(t, err)
	assert.Len(t, detected.Events, 1)
}

func TestEveryOverlappingPairGetsAConflict(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "u1", true)
	h.join(t, sess.ID, "u2")

	a := h.edit(t, sess.ID, "u1", 100, 10)
	h.clock.Advance(time.Second)
	b := h.edit(t, sess.ID, "u1", 104, 10)
	h.clock.Advance(time.Second)
	c := h.edit(t, sess.ID, "u2", 102, 4)

	require.Len(t, c.Conflicts, 2)
	earlier := []string{c.Conflicts[0].EarlierEventID, c.Conflicts[1].EarlierEventID}
	assert.ElementsMatch(t, []string{a.Event.ID, b.Event.ID}, earlier)
	for _, cf := range c.Conflicts {
		assert.Equal(t, c.Event.ID, cf.LaterEventID)
	}
}

func TestEditRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.createSession(t, "u1", true)
	h.join(t, sess.ID, "u2")

	pos, length := 1, 1
	op := &model.EditOperation{Position: &pos, Length: &length}

	_, err := h.edits.Apply(ctx, user("u2"), sess.ID, &model.EditOperation{Position: &pos})
	assert.True(t, errs.Is(err, errs.KindValidation))

	neg := -1
	_, err = h.edits.Apply(ctx, user("u2"), sess.ID, &model.EditOperation{Position: &neg, Length: &length})
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = h.edits.Apply(ctx, user("u3"), sess.ID, op)
	assert.True(t, errs.Is(err, errs.KindAccessDenied))

	res, err := h.edits.Apply(ctx, user("u2"), sess.ID, op)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)

	noEdit := model.Permissions{CanComment: true}
	_, err = h.sessions.Update(ctx, user("u1"), sess.ID, &model.UpdateSessionRequest{Permissions: &noEdit})
	require.NoError(t, err)
	_, err = h.edits.Apply(ctx, user("u2"), sess.ID, op)
	assert.True(t, errs.Is(err, errs.KindAccessDenied))
	_, err = h.edits.Apply(ctx, user("u1"), sess.ID, op)
	assert.NoError(t, err, "owner can always edit")

	paused := model.SessionStatusPaused
	_, err = h.sessions.Update(ctx, user("u1"), sess.ID, &model.UpdateSessionRequest{Status: &paused})
	require.NoError(t, err)
	_, err = h.edits.Apply(ctx, user("u1"), sess.ID, op)
	assert.Equal(t, "session_paused", errCode(err))
}

func overlappingConflict(t *testing.T, h *harness) (*model.Session, *model.Conflict) {
	t.Helper()
	sess := h.createSession(t, "u1", true)
	h.join(t, sess.ID, "u2")
	h.edit(t, sess.ID, "u1", 100, 10)
	h.clock.Advance(time.Second)
	res := h.edit(t, sess.ID, "u2", 101, 10)
	require.Len(t, res.Conflicts, 1)
	return sess, res.Conflicts[0]
}

func TestResolveConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, c := overlappingConflict(t, h)

	_, err := h.detector.Resolve(ctx, user("u2"), sess.ID, c.ID, &model.ResolveConflictRequest{Strategy: "coin_flip", Content: "x"})
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = h.detector.Resolve(ctx, user("u2"), sess.ID, c.ID, &model.ResolveConflictRequest{Strategy: model.StrategyLatestWins})
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = h.detector.Resolve(ctx, user("stranger"), sess.ID, c.ID, &model.ResolveConflictRequest{Strategy: model.StrategyLatestWins, Content: "x"})
	assert.True(t, errs.Is(err, errs.KindAccessDenied))

	_, err = h.detector.Resolve(ctx, user("u2"), "other-session", c.ID, &model.ResolveConflictRequest{Strategy: model.StrategyLatestWins, Content: "x"})
	assert.True(t, errs.Is(err, errs.KindNotFound))

	resolved, err := h.detector.Resolve(ctx, user("u2"), sess.ID, c.ID, &model.ResolveConflictRequest{
		Strategy: model.StrategyManualMerge,
		Content:  "merged text",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	assert.Equal(t, "merged text", resolved.ResolvedContent)
	assert.Equal(t, "u2", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = h.detector.Resolve(ctx, user("u1"), sess.ID, c.ID, &model.ResolveConflictRequest{Strategy: model.StrategyOldestWins, Content: "y"})
	assert.Equal(t, "conflict_settled", errCode(err))

	pending, err := h.detector.List(ctx, user("u1"), sess.ID, "")
	require.NoError(t, err)
	assert.Empty(t, pending.Conflicts)

	done, err := h.detector.List(ctx, user("u1"), sess.ID, model.ConflictResolved)
	require.NoError(t, err)
	assert.Len(t, done.Conflicts, 1)
}

func TestModeratorCanResolve(t *testing.T) {
	h := newHarness(t)
	sess, c := overlappingConflict(t, h)

	mod := model.Identity{UserID: "mod", Scopes: []string{model.ScopeModerate}}
	_, err := h.detector.Resolve(context.Background(), mod, sess.ID, c.ID, &model.ResolveConflictRequest{
		Strategy: model.StrategyUserChoice,
		Content:  "x",
	})
	assert.NoError(t, err)
}

func TestConflictStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, c := overlappingConflict(t, h)

	_, err := h.detector.SetStatus(ctx, user("u1"), sess.ID, c.ID, model.ConflictResolved)
	assert.True(t, errs.Is(err, errs.KindValidation))

	escalated, err := h.detector.SetStatus(ctx, user("u1"), sess.ID, c.ID, model.ConflictEscalated)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictEscalated, escalated.Status)

	ignored, err := h.detector.SetStatus(ctx, user("u1"), sess.ID, c.ID, model.ConflictIgnored)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictIgnored, ignored.Status)

	_, err = h.detector.SetStatus(ctx, user("u1"), sess.ID, c.ID, model.ConflictEscalated)
	assert.Equal(t, "conflict_settled", errCode(err))
}

type stubAssistant struct {
	content string
	err     error
}

func (s *stubAssistant) SuggestMerge(_ context.Context, c *model.Conflict) (*model.MergeSuggestion, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.MergeSuggestion{ConflictID: c.ID, Content: s.content, Provider: "stub"}, nil
}

func TestSuggestMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t)
		sess, c := overlappingConflict(t, h)
		_, err := h.detector.Suggest(ctx, user("u1"), sess.ID, c.ID)
		assert.Equal(t, "suggestions_disabled", errCode(err))
	})

	t.Run("proposes without resolving", func(t *testing.T) {
		h := newHarnessWithAssistant(t, &stubAssistant{content: "both edits"})
		sess, c := overlappingConflict(t, h)

		s, err := h.detector.Suggest(ctx, user("u1"), sess.ID, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "both edits", s.Content)
		assert.Equal(t, c.ID, s.ConflictID)

		pending, err := h.detector.List(ctx, user("u1"), sess.ID, model.ConflictPending)
		require.NoError(t, err)
		assert.Len(t, pending.Conflicts, 1)
	})

	t.Run("provider failure", func(t *testing.T) {
		h := newHarnessWithAssistant(t, &stubAssistant{err: errors.New("upstream down")})
		sess, c := overlappingConflict(t, h)
		_, err := h.detector.Suggest(ctx, user("u1"), sess.ID, c.ID)
		assert.True(t, errs.Is(err, errs.KindInternal))
	})
}
