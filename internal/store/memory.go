package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/collaboration-engine/internal/model"
)

// MemoryStore keeps every record in process memory. It backs tests and
// single-node development runs.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*model.Session
	events    []*model.CollaborationEvent
	eventByID map[string]*model.CollaborationEvent
	eventSeq  int64
	conflicts map[string]*model.Conflict
	conflictQ []string
	comments  map[string]*model.Comment
	commentQ  []string
	presence  map[presenceKey]*model.Presence
}

type presenceKey struct {
	sessionID string
	userID    string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*model.Session),
		eventByID: make(map[string]*model.CollaborationEvent),
		conflicts: make(map[string]*model.Conflict),
		comments:  make(map[string]*model.Comment),
		presence:  make(map[presenceKey]*model.Presence),
	}
}

func copySession(s *model.Session) *model.Session {
	c := *s
	c.Participants = append([]string(nil), s.Participants...)
	return &c
}

func copyEvent(e *model.CollaborationEvent) model.CollaborationEvent {
	c := *e
	c.ConflictsWith = append([]string(nil), e.ConflictsWith...)
	if e.Change != nil {
		ch := *e.Change
		c.Change = &ch
	}
	return c
}

func copyComment(c *model.Comment) *model.Comment {
	cp := *c
	cp.MentionedUsers = append([]string(nil), c.MentionedUsers...)
	if c.Reactions != nil {
		cp.Reactions = make(map[string]int, len(c.Reactions))
		for k, v := range c.Reactions {
			cp.Reactions[k] = v
		}
	}
	cp.Replies = nil
	return &cp
}

func (m *MemoryStore) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) ListSessions(_ context.Context, filter model.SessionFilter) ([]model.Session, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.Session
	for _, s := range m.sessions {
		if filter.UserID != "" && !s.IsParticipant(filter.UserID) {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.ContentType != "" && s.Content.ContentType != filter.ContentType {
			continue
		}
		matched = append(matched, *copySession(s))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastActivityAt.After(matched[j].LastActivityAt)
	})

	total := len(matched)
	return paginate(matched, filter.Offset, filter.Limit), total, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = s.Name
	cur.MaxParticipants = s.MaxParticipants
	cur.IsPublic = s.IsPublic
	cur.AllowAnonymous = s.AllowAnonymous
	cur.Permissions = s.Permissions
	cur.Status = s.Status
	cur.ExpiresAt = s.ExpiresAt
	cur.UpdatedAt = s.UpdatedAt
	return nil
}

func (m *MemoryStore) AddParticipant(_ context.Context, sessionID, userID string, at time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.IsOpen() {
		return nil, ErrSessionClosed
	}
	if !s.IsParticipant(userID) {
		if len(s.Participants) >= s.MaxParticipants {
			return nil, ErrSessionFull
		}
		s.Participants = append(s.Participants, userID)
	}
	s.LastActivityAt = at
	return copySession(s), nil
}

func (m *MemoryStore) TouchSession(_ context.Context, sessionID string, at time.Time, bumpVersion bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.LastActivityAt = at
	if bumpVersion {
		s.CurrentVersion++
	}
	return s.CurrentVersion, nil
}

func (m *MemoryStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.IsOpen() {
		return nil, ErrSessionClosed
	}
	endSession(s, endedAt)
	return copySession(s), nil
}

func endSession(s *model.Session, endedAt time.Time) {
	t := endedAt
	s.Status = model.SessionStatusEnded
	s.EndedAt = &t
	s.UpdatedAt = endedAt
}

func (m *MemoryStore) EndInactiveSessions(_ context.Context, idleBefore, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ended []string
	for id, s := range m.sessions {
		if s.Status != model.SessionStatusActive {
			continue
		}
		expired := s.ExpiresAt != nil && !s.ExpiresAt.After(now)
		if s.LastActivityAt.Before(idleBefore) || expired {
			endSession(s, now)
			ended = append(ended, id)
		}
	}
	sort.Strings(ended)
	return ended, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *model.CollaborationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	e.Seq = m.eventSeq
	c := copyEvent(e)
	m.events = append(m.events, &c)
	m.eventByID[c.ID] = &c
	return nil
}

func (m *MemoryStore) RecentEdits(_ context.Context, sessionID, excludeUserID string, since time.Time) ([]model.CollaborationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CollaborationEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.SessionID != sessionID || e.Type != model.EventContentEdit || e.UserID == excludeUserID {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	return out, nil
}

func (m *MemoryStore) AddEventConflict(_ context.Context, eventID, otherEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.eventByID[eventID]
	if !ok {
		return ErrNotFound
	}
	e.ConflictsWith = append(e.ConflictsWith, otherEventID)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter model.EventFilter) ([]model.CollaborationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CollaborationEvent
	for _, e := range m.events {
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, copyEvent(e))
	}
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) InsertConflict(_ context.Context, c *model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.conflicts {
		if cur.EarlierEventID == c.EarlierEventID && cur.LaterEventID == c.LaterEventID {
			return ErrDuplicateConflict
		}
	}
	cp := *c
	m.conflicts[c.ID] = &cp
	m.conflictQ = append(m.conflictQ, c.ID)
	return nil
}

func (m *MemoryStore) GetConflict(_ context.Context, id string) (*model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListConflicts(_ context.Context, sessionID string, status model.ConflictStatus) ([]model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Conflict{}
	for _, id := range m.conflictQ {
		c := m.conflicts[id]
		if c.SessionID != sessionID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (m *MemoryStore) SettleConflict(_ context.Context, c *model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conflicts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Settled() {
		return ErrAlreadySettled
	}
	cur.Status = c.Status
	cur.Strategy = c.Strategy
	cur.ResolvedContent = c.ResolvedContent
	cur.ResolvedBy = c.ResolvedBy
	cur.ResolvedAt = c.ResolvedAt
	return nil
}

func (m *MemoryStore) InsertComment(_ context.Context, c *model.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ParentID != "" {
		parent, ok := m.comments[c.ParentID]
		if !ok {
			return ErrNotFound
		}
		parent.ReplyCount++
		if root, ok := m.comments[c.ThreadID]; ok && root.ID != parent.ID {
			root.ReplyCount++
		}
	}
	m.comments[c.ID] = copyComment(c)
	m.commentQ = append(m.commentQ, c.ID)
	return nil
}

func (m *MemoryStore) GetComment(_ context.Context, id string) (*model.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyComment(c), nil
}

func (m *MemoryStore) ResolveComment(_ context.Context, id, resolvedBy string, at time.Time) (*model.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Resolved {
		t := at
		c.Resolved = true
		c.ResolvedBy = resolvedBy
		c.ResolvedAt = &t
		c.Status = model.CommentResolved
		c.UpdatedAt = at
	}
	return copyComment(c), nil
}

func (m *MemoryStore) ListComments(_ context.Context, content model.ContentRef) ([]*model.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Comment
	for _, id := range m.commentQ {
		c := m.comments[id]
		if c.Content != content {
			continue
		}
		out = append(out, copyComment(c))
	}
	return out, nil
}

func (m *MemoryStore) UpsertPresence(_ context.Context, u model.PresenceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := presenceKey{sessionID: u.SessionID, userID: u.UserID}
	p, ok := m.presence[key]
	if !ok {
		p = &model.Presence{}
		m.presence[key] = p
	}
	u.Apply(p)
	return nil
}

func (m *MemoryStore) ListPresence(_ context.Context, sessionID string) ([]model.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Presence{}
	for key, p := range m.presence {
		if key.sessionID == sessionID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) DeleteStalePresence(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, p := range m.presence {
		if p.LastSeenAt.Before(before) {
			delete(m.presence, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
