package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

type recordingRelay struct {
	mu     sync.Mutex
	frames []string
	detach []bool
	err    error
}

func (r *recordingRelay) Publish(_ context.Context, _ string, frame []byte, detach bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(frame))
	r.detach = append(r.detach, detach)
	return r.err
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(logger.NewNop())
	a := NewConn("a", "u1", 4)
	b := NewConn("b", "u2", 4)
	c := NewConn("c", "u1", 4)
	other := NewConn("d", "u3", 4)
	r.Register("s1", a)
	r.Register("s1", b)
	r.Register("s1", c)
	r.Register("s2", other)

	n := r.Broadcast(context.Background(), "s1", map[string]string{"type": "remote_cursor"}, a.ID)
	assert.Equal(t, 2, n)

	assert.Empty(t, drain(t, a))
	assert.Len(t, drain(t, b), 1)
	assert.Len(t, drain(t, c), 1, "same user on another connection still receives it")
	assert.Empty(t, drain(t, other))
}

func TestSlowConsumerIsClosed(t *testing.T) {
	r := NewRegistry(logger.NewNop())
	slow := NewConn("slow", "u2", 1)
	fast := NewConn("fast", "u3", 8)
	r.Register("s1", slow)
	r.Register("s1", fast)

	msg := map[string]string{"type": "remote_edit"}
	r.Broadcast(context.Background(), "s1", msg, "")
	r.Broadcast(context.Background(), "s1", msg, "")

	assert.True(t, slow.Closed())
	assert.False(t, fast.Closed())
	assert.Len(t, drain(t, fast), 2)
	assert.False(t, slow.Enqueue([]byte("{}")))
}

func TestRegistryMembership(t *testing.T) {
	r := NewRegistry(logger.NewNop())
	a := NewConn("a", "u1", 1)
	b := NewConn("b", "u1", 1)

	r.Register("s1", a)
	r.Register("s1", a)
	r.Register("s2", b)
	assert.Equal(t, []string{"s1", "s2"}, r.UserSessions("u1"))
	assert.Equal(t, []string{"u1"}, r.SessionUsers("s1"))
	assert.Equal(t, "s1", a.SessionID())

	assert.True(t, r.Unregister("s1", a))
	assert.False(t, r.Unregister("s1", a))
	assert.False(t, r.UserConnected("s1", "u1"))
	assert.True(t, r.UserConnected("s2", "u1"))
	assert.Empty(t, a.SessionID())

	detached := r.Detach("s2")
	require.Len(t, detached, 1)
	assert.Empty(t, r.UserSessions("u1"))
}

func TestRelayForwarding(t *testing.T) {
	r := NewRegistry(logger.NewNop())
	relay := &recordingRelay{err: errors.New("nats down")}
	r.SetRelay(relay)

	a := NewConn("a", "u1", 4)
	r.Register("s1", a)

	r.Broadcast(context.Background(), "s1", map[string]string{"type": "remote_edit"}, "")
	r.EndSession(context.Background(), "s1", map[string]string{"type": "session_ended"})

	assert.Equal(t, []bool{false, true}, relay.detach)
	assert.Len(t, drain(t, a), 2, "relay failures do not block local delivery")
	assert.Empty(t, r.Connections("s1"))

	remote := NewConn("r", "u2", 4)
	r.Register("s9", remote)
	r.ReceiveRelayed("s9", []byte(`{"type":"session_ended"}`), true)
	assert.Len(t, drain(t, remote), 1)
	assert.Empty(t, remote.SessionID())
}
