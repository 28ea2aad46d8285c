package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
)

// Conn is one client connection as seen by the registry. Frames are queued
// on a bounded buffer drained by the transport's writer goroutine.
type Conn struct {
	ID     string
	UserID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID string
}

// NewConn creates a connection with the given outbound buffer size.
func NewConn(id, userID string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Outbound is drained by the writer goroutine.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Enqueue queues a frame without blocking. It returns false when the
// connection is closed or its buffer is full.
func (c *Conn) Enqueue(frame []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// SendJSON encodes v and queues it for this connection only.
func (c *Conn) SendJSON(v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.Enqueue(frame)
}

// SessionID returns the session the connection is bound to, if any.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) bind(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// Relay forwards broadcasts to other nodes and receives theirs.
type Relay interface {
	Publish(ctx context.Context, sessionID string, frame []byte, detach bool) error
}

// Registry is the fan-out table: session to connections and user to sessions.
// It is constructed once and passed to whatever needs it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Conn
	users    map[string]map[string]int

	relay  Relay
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*Conn),
		users:    make(map[string]map[string]int),
		logger:   log,
	}
}

// SetRelay installs a cross-node relay. Broadcasts are forwarded to it
// after local delivery.
func (r *Registry) SetRelay(relay Relay) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

// Register binds c to sessionID.
func (r *Registry) Register(sessionID string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.sessions[sessionID]
	if conns == nil {
		conns = make(map[string]*Conn)
		r.sessions[sessionID] = conns
	}
	if _, ok := conns[c.ID]; ok {
		return
	}
	conns[c.ID] = c

	sessions := r.users[c.UserID]
	if sessions == nil {
		sessions = make(map[string]int)
		r.users[c.UserID] = sessions
	}
	sessions[sessionID]++
	c.bind(sessionID)
}

// Unregister releases c from sessionID. It reports whether c was registered.
func (r *Registry) Unregister(sessionID string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(sessionID, c)
}

func (r *Registry) unregisterLocked(sessionID string, c *Conn) bool {
	conns := r.sessions[sessionID]
	if _, ok := conns[c.ID]; !ok {
		return false
	}
	delete(conns, c.ID)
	if len(conns) == 0 {
		delete(r.sessions, sessionID)
	}

	if sessions := r.users[c.UserID]; sessions != nil {
		sessions[sessionID]--
		if sessions[sessionID] <= 0 {
			delete(sessions, sessionID)
		}
		if len(sessions) == 0 {
			delete(r.users, c.UserID)
		}
	}
	c.bind("")
	return true
}

// Detach removes every local connection from sessionID and returns them.
func (r *Registry) Detach(sessionID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Conn
	for _, c := range r.sessions[sessionID] {
		out = append(out, c)
	}
	for _, c := range out {
		r.unregisterLocked(sessionID, c)
	}
	return out
}

// Connections returns the local connections bound to sessionID.
func (r *Registry) Connections(sessionID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.sessions[sessionID]))
	for _, c := range r.sessions[sessionID] {
		out = append(out, c)
	}
	return out
}

// SessionUsers returns the distinct users connected to sessionID, sorted.
func (r *Registry) SessionUsers(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range r.sessions[sessionID] {
		seen[c.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// UserSessions returns the sessions userID has at least one connection in.
func (r *Registry) UserSessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users[userID]))
	for s := range r.users[userID] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// UserConnected reports whether userID still has a connection in sessionID.
func (r *Registry) UserConnected(sessionID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID][sessionID] > 0
}

// Broadcast encodes msg once and enqueues it to every connection in
// sessionID except the one with excludeConnID. It returns the number of
// local recipients.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, msg any, excludeConnID string) int {
	frame, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to encode broadcast", zap.String("session_id", sessionID), zap.Error(err))
		return 0
	}
	n := r.Deliver(sessionID, frame, excludeConnID)
	r.forward(ctx, sessionID, frame, false)
	return n
}

// Deliver enqueues an encoded frame to local connections only. A recipient
// whose buffer is full is closed instead of blocking the caller.
func (r *Registry) Deliver(sessionID string, frame []byte, excludeConnID string) int {
	return r.deliverTo(sessionID, r.Connections(sessionID), frame, excludeConnID)
}

func (r *Registry) deliverTo(sessionID string, conns []*Conn, frame []byte, excludeConnID string) int {
	delivered := 0
	for _, c := range conns {
		if c.ID == excludeConnID {
			continue
		}
		if c.Enqueue(frame) {
			delivered++
			metrics.BroadcastDeliveries.Inc()
			continue
		}
		if !c.Closed() {
			r.logger.Warn("dropping slow consumer",
				zap.String("session_id", sessionID),
				zap.String("conn_id", c.ID),
				zap.String("user_id", c.UserID),
			)
			metrics.BroadcastDropped.Inc()
			c.Close()
		}
	}
	return delivered
}

// EndSession detaches every connection in sessionID, on this node and on
// relayed nodes, and delivers msg to each one it detached. A connection
// registered after the detach is not bound to the session.
func (r *Registry) EndSession(ctx context.Context, sessionID string, msg any) []*Conn {
	frame, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to encode session end", zap.String("session_id", sessionID), zap.Error(err))
		return r.Detach(sessionID)
	}
	detached := r.Detach(sessionID)
	r.deliverTo(sessionID, detached, frame, "")
	r.forward(ctx, sessionID, frame, true)
	return detached
}

func (r *Registry) forward(ctx context.Context, sessionID string, frame []byte, detach bool) {
	r.mu.RLock()
	relay := r.relay
	r.mu.RUnlock()
	if relay == nil {
		return
	}
	if err := relay.Publish(ctx, sessionID, frame, detach); err != nil {
		r.logger.Warn("failed to relay broadcast", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// ReceiveRelayed handles a frame published by another node.
func (r *Registry) ReceiveRelayed(sessionID string, frame []byte, detach bool) {
	if detach {
		r.deliverTo(sessionID, r.Detach(sessionID), frame, "")
		return
	}
	r.Deliver(sessionID, frame, "")
}
