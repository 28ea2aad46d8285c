package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness wires every service over one memory store and one registry.
type harness struct {
	clock    *fakeClock
	store    *store.MemoryStore
	registry *Registry
	presence *PresenceService
	events   *EventLog
	sessions *SessionService
	detector *ConflictDetector
	edits    *EditService
	comments *CommentService
	sweeper  *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithAssistant(t, nil)
}

func newHarnessWithAssistant(t *testing.T, assistant MergeAssistant) *harness {
	t.Helper()

	log := logger.NewNop()
	fc := &fakeClock{now: t0}
	clock := Clock(fc.Now)
	ms := store.NewMemoryStore()

	h := &harness{clock: fc, store: ms}
	h.registry = NewRegistry(log)
	h.presence = NewPresenceService(ms, PresenceConfig{Clock: clock}, log)
	h.events = NewEventLog(ms, nil, clock, log)
	h.sessions = NewSessionService(ms, h.presence, h.events, h.registry, clock, log)
	h.detector = NewConflictDetector(ms, ms, ms, h.events, assistant, DefaultConflictWindow, clock, log)
	h.edits = NewEditService(ms, h.events, h.detector, clock, log)
	h.comments = NewCommentService(ms, ms, h.events, clock, log)
	h.sweeper = NewSweeper(ms, h.sessions, h.presence, SweeperConfig{}, clock, log)

	ctx, cancel := context.WithCancel(context.Background())
	go h.presence.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func user(id string) model.Identity {
	return model.Identity{UserID: id, Name: id}
}

func (h *harness) createSession(t *testing.T, owner string, public bool) *model.Session {
	t.Helper()
	sess, err := h.sessions.Create(context.Background(), user(owner), &model.CreateSessionRequest{
		ContentType: "case_study",
		ContentID:   "42",
		IsPublic:    public,
	})
	require.NoError(t, err)
	return sess
}

func (h *harness) join(t *testing.T, sessionID, userID string) *Conn {
	t.Helper()
	conn := NewConn(newID(), userID, 16)
	_, err := h.sessions.Join(context.Background(), user(userID), sessionID, conn)
	require.NoError(t, err)
	return conn
}

func (h *harness) edit(t *testing.T, sessionID, userID string, pos, length int) *EditResult {
	t.Helper()
	res, err := h.edits.Apply(context.Background(), user(userID), sessionID, &model.EditOperation{
		Type:     "insert",
		Position: &pos,
		Length:   &length,
		Content:  "text from " + userID,
	})
	require.NoError(t, err)
	return res
}

// drain returns every frame queued on c, decoded as generic objects.
func drain(t *testing.T, c *Conn) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case frame := <-c.Outbound():
			var m map[string]any
			require.NoError(t, json.Unmarshal(frame, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}
