package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/collaboration-engine/internal/middleware"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/router"
	"github.com/capitalize-ai/collaboration-engine/internal/service"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

const secret = "handler-test-secret"

type testServer struct {
	*httptest.Server
	svc router.Services
}

func newTestServer(t *testing.T, checks ...ReadinessCheck) *testServer {
	t.Helper()
	log := logger.NewNop()
	ms := store.NewMemoryStore()

	registry := service.NewRegistry(log)
	presence := service.NewPresenceService(ms, service.PresenceConfig{}, log)
	events := service.NewEventLog(ms, nil, nil, log)
	sessions := service.NewSessionService(ms, presence, events, registry, nil, log)
	detector := service.NewConflictDetector(ms, ms, ms, events, nil, service.DefaultConflictWindow, nil, log)
	comments := service.NewCommentService(ms, ms, events, nil, log)

	svc := router.Services{
		Sessions: sessions,
		Edits:    service.NewEditService(ms, events, detector, nil, log),
		Comments: comments,
		Presence: presence,
		Events:   events,
		Registry: registry,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go presence.Run(ctx)
	t.Cleanup(cancel)

	h := Handlers{
		Health:    NewHealthHandler(append([]ReadinessCheck{PingCheck("store", ms)}, checks...)...),
		Sessions:  NewSessionHandler(sessions, presence, events, log),
		Conflicts: NewConflictHandler(detector, log),
		Comments:  NewCommentHandler(comments, log),
		WebSocket: NewWebSocketHandler(secret, svc, WebSocketConfig{
			RateLimit:    100,
			RateWindow:   time.Second,
			PingInterval: time.Minute,
		}, log),
	}
	srv := httptest.NewServer(NewRouter(h, RouteConfig{
		JWTSecret:         secret,
		CORSOrigins:       []string{"*"},
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	}, log))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, svc: svc}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: "User " + userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// do sends an authenticated request and decodes the JSON response into out when non-nil.
func (s *testServer) do(t *testing.T, userID, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) createSession(t *testing.T, owner string, public bool) *model.Session {
	t.Helper()
	var sess model.Session
	status := s.do(t, owner, http.MethodPost, "/api/v1/sessions", model.CreateSessionRequest{
		Name:        "Review",
		ContentType: "case_study",
		ContentID:   "42",
		IsPublic:    public,
	}, &sess)
	require.Equal(t, http.StatusCreated, status)
	return &sess
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusOK, srv.do(t, "", http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "healthy", body["status"])

	assert.Equal(t, http.StatusOK, srv.do(t, "", http.MethodGet, "/ready", nil, &body))
	assert.Equal(t, "ready", body["status"])

	failing := newTestServer(t, ReadinessCheck{Name: "nats", Check: func(context.Context) error {
		return errors.New("down")
	}})
	assert.Equal(t, http.StatusServiceUnavailable, failing.do(t, "", http.MethodGet, "/ready", nil, &body))
	assert.Equal(t, "nats unavailable", body["reason"])
}

func TestAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, "", http.MethodGet, "/api/v1/sessions", nil, &body))
	assert.NotEmpty(t, body["error"])
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.createSession(t, "owner", false)
	assert.Equal(t, model.SessionStatusActive, sess.Status)
	assert.Equal(t, "owner", sess.OwnerID)

	var snap model.SessionSnapshot
	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodGet, "/api/v1/sessions/"+sess.ID, nil, &snap))
	assert.Equal(t, sess.ID, snap.Session.ID)

	var errBody map[string]string
	assert.Equal(t, http.StatusForbidden, srv.do(t, "stranger", http.MethodGet, "/api/v1/sessions/"+sess.ID, nil, &errBody))

	var list model.ListSessionsResponse
	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodGet, "/api/v1/sessions", nil, &list))
	assert.Equal(t, 1, list.Total)
	require.Equal(t, http.StatusOK, srv.do(t, "stranger", http.MethodGet, "/api/v1/sessions", nil, &list))
	assert.Equal(t, 0, list.Total)

	paused := model.SessionStatusPaused
	var updated model.Session
	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodPut, "/api/v1/sessions/"+sess.ID,
		model.UpdateSessionRequest{Status: &paused}, &updated))
	assert.Equal(t, model.SessionStatusPaused, updated.Status)

	assert.Equal(t, http.StatusForbidden, srv.do(t, "stranger", http.MethodPost, "/api/v1/sessions/"+sess.ID+"/end", nil, &errBody))

	var ended model.Session
	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodPost, "/api/v1/sessions/"+sess.ID+"/end", nil, &ended))
	assert.Equal(t, model.SessionStatusEnded, ended.Status)
	assert.NotNil(t, ended.EndedAt)

	assert.Equal(t, http.StatusBadRequest, srv.do(t, "owner", http.MethodPost, "/api/v1/sessions/"+sess.ID+"/end", nil, &errBody))
	assert.Equal(t, "session_ended", errBody["code"])
}

func TestSessionIDValidation(t *testing.T) {
	srv := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusBadRequest, srv.do(t, "u1", http.MethodGet, "/api/v1/sessions/not-a-uuid", nil, &body))
	assert.Equal(t, "invalid_id", body["code"])

	assert.Equal(t, http.StatusNotFound, srv.do(t, "u1", http.MethodGet, "/api/v1/sessions/"+service.NewID(), nil, &body))

	assert.Equal(t, http.StatusBadRequest, srv.do(t, "u1", http.MethodPost, "/api/v1/sessions", map[string]any{
		"content_type": "case_study",
	}, &body))
}

func TestEventsAndPresenceEndpoints(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.createSession(t, "owner", true)
	_, err := srv.svc.Sessions.Join(context.Background(), model.Identity{UserID: "u1"}, sess.ID, service.NewConn(service.NewID(), "u1", 8))
	require.NoError(t, err)

	var events model.ListEventsResponse
	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodGet, "/api/v1/sessions/"+sess.ID+"/events", nil, &events))
	require.NotEmpty(t, events.Events)
	assert.Equal(t, model.EventSessionJoin, events.Events[0].Type)
	assert.Equal(t, "u1", events.Events[0].UserID)

	var presence map[string][]model.Presence
	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodGet, "/api/v1/sessions/"+sess.ID+"/presence", nil, &presence))
	assert.Contains(t, presence, "presence")
}

func TestConflictEndpoints(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.createSession(t, "owner", true)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2"} {
		_, err := srv.svc.Sessions.Join(ctx, model.Identity{UserID: u}, sess.ID, service.NewConn(service.NewID(), u, 8))
		require.NoError(t, err)
	}
	pos, length := 10, 5
	_, err := srv.svc.Edits.Apply(ctx, model.Identity{UserID: "u1"}, sess.ID, &model.EditOperation{Position: &pos, Length: &length, Content: "one"})
	require.NoError(t, err)
	pos2 := 12
	res, err := srv.svc.Edits.Apply(ctx, model.Identity{UserID: "u2"}, sess.ID, &model.EditOperation{Position: &pos2, Length: &length, Content: "two"})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	cid := res.Conflicts[0].ID

	var list model.ListConflictsResponse
	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodGet, "/api/v1/sessions/"+sess.ID+"/conflicts", nil, &list))
	require.Len(t, list.Conflicts, 1)
	assert.Equal(t, cid, list.Conflicts[0].ID)

	var errBody map[string]string
	assert.Equal(t, http.StatusBadRequest, srv.do(t, "owner", http.MethodPost,
		"/api/v1/sessions/"+sess.ID+"/conflicts/"+cid+"/suggest", nil, &errBody))
	assert.Equal(t, "suggestions_disabled", errBody["code"])

	assert.Equal(t, http.StatusForbidden, srv.do(t, "stranger", http.MethodPost,
		"/api/v1/sessions/"+sess.ID+"/conflicts/"+cid+"/resolve",
		model.ResolveConflictRequest{Strategy: model.StrategyManualMerge, Content: "merged"}, &errBody))

	var resolved model.Conflict
	require.Equal(t, http.StatusOK, srv.do(t, "u1", http.MethodPost,
		"/api/v1/sessions/"+sess.ID+"/conflicts/"+cid+"/resolve",
		model.ResolveConflictRequest{Strategy: model.StrategyManualMerge, Content: "merged"}, &resolved))
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	assert.Equal(t, "u1", resolved.ResolvedBy)

	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodGet, "/api/v1/sessions/"+sess.ID+"/conflicts", nil, &list))
	assert.Empty(t, list.Conflicts)

	assert.Equal(t, http.StatusBadRequest, srv.do(t, "owner", http.MethodPost,
		"/api/v1/sessions/"+sess.ID+"/conflicts/"+cid+"/status",
		model.UpdateConflictStatusRequest{Status: model.ConflictIgnored}, &errBody))
}

func TestCommentEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var root model.Comment
	require.Equal(t, http.StatusCreated, srv.do(t, "u1", http.MethodPost, "/api/v1/comments", model.CreateCommentRequest{
		ContentType: "case_study",
		ContentID:   "42",
		Text:        "Is this figure right?",
		Kind:        model.CommentKindQuestion,
	}, &root))
	assert.Equal(t, root.ID, root.ThreadID)

	var reply model.Comment
	require.Equal(t, http.StatusCreated, srv.do(t, "u2", http.MethodPost, "/api/v1/comments", model.CreateCommentRequest{
		ParentID: root.ID,
		Text:     "Yes, checked it.",
	}, &reply))
	assert.Equal(t, root.ThreadID, reply.ThreadID)

	var errBody map[string]string
	assert.Equal(t, http.StatusBadRequest, srv.do(t, "u1", http.MethodPost, "/api/v1/comments", model.CreateCommentRequest{
		ContentType: "case_study",
		ContentID:   "42",
	}, &errBody))

	var threads model.CommentThreadsResponse
	require.Equal(t, http.StatusOK, srv.do(t, "u1", http.MethodGet, "/api/v1/comments?content_type=case_study&content_id=42", nil, &threads))
	require.Len(t, threads.Comments, 1)
	require.Len(t, threads.Comments[0].Replies, 1)
	assert.Equal(t, reply.ID, threads.Comments[0].Replies[0].ID)

	var resolved model.Comment
	require.Equal(t, http.StatusOK, srv.do(t, "u2", http.MethodPost, "/api/v1/comments/"+root.ID+"/resolve", nil, &resolved))
	assert.True(t, resolved.Resolved)

	require.Equal(t, http.StatusOK, srv.do(t, "u1", http.MethodGet,
		"/api/v1/comments?content_type=case_study&content_id=42&resolved=false", nil, &threads))
	assert.Empty(t, threads.Comments)

	assert.Equal(t, http.StatusBadRequest, srv.do(t, "u1", http.MethodGet,
		"/api/v1/comments?content_type=case_study&content_id=42&resolved=maybe", nil, &errBody))
}

func TestCommentListHidesPrivateSessionNotes(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.createSession(t, "u1", false)

	var note model.Comment
	require.Equal(t, http.StatusCreated, srv.do(t, "u1", http.MethodPost, "/api/v1/comments", model.CreateCommentRequest{
		ContentType: "case_study",
		ContentID:   "42",
		SessionID:   sess.ID,
		Text:        "internal note",
	}, &note))

	const path = "/api/v1/comments?content_type=case_study&content_id=42"
	var threads model.CommentThreadsResponse
	require.Equal(t, http.StatusOK, srv.do(t, "u9", http.MethodGet, path, nil, &threads))
	assert.Empty(t, threads.Comments)

	require.Equal(t, http.StatusOK, srv.do(t, "u1", http.MethodGet, path, nil, &threads))
	require.Len(t, threads.Comments, 1)
	assert.Equal(t, note.ID, threads.Comments[0].ID)
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token(t, userID)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// await reads frames until one of the given type arrives.
func await(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame map[string]any
		require.NoError(t, ws.ReadJSON(&frame), "waiting for %s", typ)
		if frame["type"] == typ {
			return frame
		}
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketSession(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.createSession(t, "owner", true)

	alice := srv.dial(t, "alice")
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "join_session", "sessionId": sess.ID}))
	joined := await(t, alice, "session_joined")
	assert.Equal(t, sess.ID, joined["sessionId"])

	bob := srv.dial(t, "bob")
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "join_session", "sessionId": sess.ID}))
	await(t, bob, "session_joined")

	announced := await(t, alice, "user_joined")
	assert.Equal(t, "bob", announced["userId"])

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "cursor_update", "position": map[string]int{"line": 3, "column": 7}}))
	cursor := await(t, alice, "remote_cursor")
	assert.Equal(t, "bob", cursor["userId"])

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "heartbeat"}))
	await(t, bob, "heartbeat_ack")

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "no_such_type"}))
	errFrame := await(t, bob, "error")
	assert.Equal(t, "unknown_type", errFrame["code"])

	require.NoError(t, bob.Close())
	left := await(t, alice, "user_left")
	assert.Equal(t, "bob", left["userId"])
}

func TestWebSocketSessionEnded(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.createSession(t, "owner", true)

	alice := srv.dial(t, "alice")
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "join_session", "sessionId": sess.ID}))
	await(t, alice, "session_joined")

	require.Equal(t, http.StatusOK, srv.do(t, "owner", http.MethodPost, "/api/v1/sessions/"+sess.ID+"/end", nil, nil))
	ended := await(t, alice, "session_ended")
	assert.Equal(t, sess.ID, ended["sessionId"])
}
