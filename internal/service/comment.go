package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
)


// CommentService manages anchored comment threads.
type CommentService struct {
	comments store.CommentStore
	sessions store.SessionStore
	events   *EventLog
	clock    Clock
	logger   *logger.Logger
}

// NewCommentService creates a comment service.
func NewCommentService(comments store.CommentStore, sessions store.SessionStore, events *EventLog, clock Clock, log *logger.Logger) *CommentService {
	return &CommentService{
		comments: comments,
		sessions: sessions,
		events:   events,
		clock:    clock,
		logger:   log,
	}
}

// checkSession verifies the caller may comment in the session.
func (s *CommentService) checkSession(ctx context.Context, caller model.Identity, sessionID string) (*model.Session, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("session", err)
	}
	if !sess.IsOpen() {
		return nil, errs.AccessDenied("session has ended").WithCode("session_ended")
	}
	if !sess.IsParticipant(caller.UserID) {
		return nil, errs.AccessDenied("not a participant of this session")
	}
	if sess.OwnerID != caller.UserID && !sess.Permissions.CanComment {
		return nil, errs.AccessDenied("commenting is disabled in this session")
	}
	return sess, nil
}

// Add creates a root comment or a reply. Replies inherit the thread and
// content of their parent.
func (s *CommentService) Add(ctx context.Context, caller model.Identity, req *model.CreateCommentRequest) (*model.Comment, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errs.Validation("comment text is required")
	}
	if req.Kind == "" {
		req.Kind = model.CommentKindComment
	}
	if !req.Kind.Valid() {
		return nil, errs.Validation("unknown comment kind")
	}
	if req.Visibility == "" {
		req.Visibility = model.CommentVisibilityParticipants
	}
	if !model.ValidCommentVisibility(req.Visibility) {
		return nil, errs.Validation("unknown comment visibility")
	}

	now := s.clock.now()
	c := &model.Comment{
		ID:             newID(),
		ContentVersion: req.ContentVersion,
		Anchor: model.Anchor{
			Type:          req.AnchorType,
			Data:          req.AnchorData,
			ContextBefore: req.ContextBefore,
			ContextAfter:  req.ContextAfter,
		},
		Text:           text,
		HTML:           req.HTML,
		Kind:           req.Kind,
		AuthorID:       caller.UserID,
		SessionID:      req.SessionID,
		Visibility:     req.Visibility,
		MentionedUsers: req.MentionedUsers,
		Status:         model.CommentActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.ParentID != "" {
		parent, err := s.comments.GetComment(ctx, req.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, errs.Validation("parent comment not found").WithCode("invalid_parent")
			}
			return nil, errs.Persistence("failed to load parent comment", err)
		}
		c.ParentID = parent.ID
		c.ThreadID = parent.ThreadID
		c.Content = parent.Content
		if c.SessionID == "" {
			c.SessionID = parent.SessionID
		}
	} else {
		if strings.TrimSpace(req.ContentType) == "" || strings.TrimSpace(req.ContentID) == "" {
			return nil, errs.Validation("content_type and content_id are required")
		}
		c.ThreadID = c.ID
		c.Content = model.ContentRef{ContentType: req.ContentType, ContentID: req.ContentID}
	}
	if c.Anchor.Type == "" {
		c.Anchor.Type = "content"
	}

	if c.SessionID != "" {
		sess, err := s.checkSession(ctx, caller, c.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.Content != c.Content {
			return nil, errs.Validation("comment content does not match the session content")
		}
	}

	if err := s.comments.InsertComment(ctx, c); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Validation("parent comment not found").WithCode("invalid_parent")
		}
		return nil, errs.Persistence("failed to create comment", err)
	}

	if c.SessionID != "" {
		s.events.Record(ctx, c.SessionID, caller.UserID, model.EventCommentAdd, map[string]string{
			"comment_id": c.ID,
			"thread_id":  c.ThreadID,
		})
	}

	metrics.CommentsTotal.WithLabelValues(string(c.Kind)).Inc()
	s.logger.Debug("comment created",
		zap.String("comment_id", c.ID),
		zap.String("thread_id", c.ThreadID),
		zap.String("author_id", c.AuthorID),
	)
	return c, nil
}

// Resolve marks a comment resolved. Resolving twice is not an error and
// keeps the first resolver.
func (s *CommentService) Resolve(ctx context.Context, caller model.Identity, id string) (*model.Comment, error) {
	c, err := s.comments.GetComment(ctx, id)
	if err != nil {
		return nil, storeError("comment", err)
	}
	if c.SessionID != "" {
		sess, err := s.sessions.GetSession(ctx, c.SessionID)
		if err != nil {
			return nil, storeError("session", err)
		}
		if !sess.IsParticipant(caller.UserID) {
			return nil, errs.AccessDenied("not a participant of this session")
		}
	}

	resolved, err := s.comments.ResolveComment(ctx, id, caller.UserID, s.clock.now())
	if err != nil {
		return nil, storeError("comment", err)
	}
	return resolved, nil
}

// List returns the threads on a content item whose root matches the
// filter and is visible to caller, each root carrying its visible nested
// replies in creation order.
func (s *CommentService) List(ctx context.Context, caller model.Identity, filter model.CommentFilter) (*model.CommentThreadsResponse, error) {
	if filter.Content.ContentType == "" || filter.Content.ContentID == "" {
		return nil, errs.Validation("content_type and content_id are required")
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, errs.Validation("unknown comment kind")
	}

	all, err := s.comments.ListComments(ctx, filter.Content)
	if err != nil {
		return nil, errs.Persistence("failed to list comments", err)
	}

	v := &visibility{svc: s, caller: caller, members: map[string]bool{}}
	roots := BuildThreads(all)
	out := make([]*model.Comment, 0, len(roots))
	for _, root := range roots {
		if !filter.Matches(root) {
			continue
		}
		ok, err := v.canSee(ctx, root)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := v.prune(ctx, root); err != nil {
			return nil, err
		}
		out = append(out, root)
	}
	return &model.CommentThreadsResponse{Comments: out, Total: len(out)}, nil
}

// visibility decides which comments a caller may read, caching session
// membership for the duration of one listing.
type visibility struct {
	svc     *CommentService
	caller  model.Identity
	members map[string]bool
}

func (v *visibility) canSee(ctx context.Context, c *model.Comment) (bool, error) {
	if c.AuthorID == v.caller.UserID || v.caller.HasScope(model.ScopeModerate) {
		return true, nil
	}
	switch c.Visibility {
	case model.CommentVisibilityPublic:
		return true, nil
	case model.CommentVisibilityParticipants:
		if c.SessionID == "" {
			return true, nil
		}
		return v.isMember(ctx, c.SessionID)
	default:
		return false, nil
	}
}

func (v *visibility) isMember(ctx context.Context, sessionID string) (bool, error) {
	if ok, cached := v.members[sessionID]; cached {
		return ok, nil
	}
	sess, err := v.svc.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		v.members[sessionID] = false
		return false, nil
	}
	if err != nil {
		return false, errs.Persistence("failed to load session", err)
	}
	ok := sess.IsParticipant(v.caller.UserID)
	v.members[sessionID] = ok
	return ok, nil
}

// prune drops replies the caller may not read, along with their subtrees.
func (v *visibility) prune(ctx context.Context, c *model.Comment) error {
	kept := c.Replies[:0]
	for _, r := range c.Replies {
		ok, err := v.canSee(ctx, r)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := v.prune(ctx, r); err != nil {
			return err
		}
		kept = append(kept, r)
	}
	c.Replies = kept
	return nil
}

// BuildThreads nests comments under their parents. Input must be in
// creation order; orphans are treated as roots.
func BuildThreads(comments []*model.Comment) []*model.Comment {
	byID := make(map[string]*model.Comment, len(comments))
	for _, c := range comments {
		c.Replies = nil
		byID[c.ID] = c
	}
	var roots []*model.Comment
	for _, c := range comments {
		if parent, ok := byID[c.ParentID]; ok && !c.IsRoot() {
			parent.Replies = append(parent.Replies, c)
			continue
		}
		roots = append(roots, c)
	}
	return roots
}
