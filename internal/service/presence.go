package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

// PresenceConfig tunes the presence tracker.
type PresenceConfig struct {
	LiveWindow   time.Duration
	WriteTimeout time.Duration
	QueueSize    int
	Clock        Clock
}

// PresenceService tracks who is where. Writes from the message path are
// queued and applied in order by a single worker so they never block a
// connection; failures are logged and dropped.
type PresenceService struct {
	store  store.PresenceStore
	conf   PresenceConfig
	logger *logger.Logger

	queue   chan model.PresenceUpdate
	pending sync.WaitGroup
}

// NewPresenceService creates a presence tracker. Call Run to start the writer.
func NewPresenceService(ps store.PresenceStore, conf PresenceConfig, log *logger.Logger) *PresenceService {
	if conf.LiveWindow <= 0 {
		conf.LiveWindow = 5 * time.Minute
	}
	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = 5 * time.Second
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = 1024
	}
	return &PresenceService{
		store:  ps,
		conf:   conf,
		logger: log,
		queue:  make(chan model.PresenceUpdate, conf.QueueSize),
	}
}

// Run applies queued updates until ctx is done.
func (s *PresenceService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.queue:
			s.apply(ctx, u)
		}
	}
}

func (s *PresenceService) apply(ctx context.Context, u model.PresenceUpdate) {
	defer s.pending.Done()
	wctx, cancel := context.WithTimeout(ctx, s.conf.WriteTimeout)
	defer cancel()
	if err := s.store.UpsertPresence(wctx, u); err != nil {
		swallow(s.logger, "presence_upsert", err,
			zap.String("session_id", u.SessionID),
			zap.String("user_id", u.UserID),
		)
	}
}

// Track queues a presence write without blocking.
func (s *PresenceService) Track(u model.PresenceUpdate) {
	if u.At.IsZero() {
		u.At = s.conf.Clock.now()
	}
	s.pending.Add(1)
	select {
	case s.queue <- u:
	default:
		s.pending.Done()
		s.logger.Warn("presence queue full, dropping update",
			zap.String("session_id", u.SessionID),
			zap.String("user_id", u.UserID),
		)
	}
}

// Flush blocks until every queued update has been applied.
func (s *PresenceService) Flush() {
	s.pending.Wait()
}

// List returns every presence record of a session.
func (s *PresenceService) List(ctx context.Context, sessionID string) ([]model.Presence, error) {
	list, err := s.store.ListPresence(ctx, sessionID)
	if err != nil {
		return nil, errs.Persistence("failed to list presence", err)
	}
	return list, nil
}

// Live returns the participants currently counted as present.
func (s *PresenceService) Live(ctx context.Context, sessionID string) ([]model.Presence, error) {
	all, err := s.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.conf.Clock.now()
	live := make([]model.Presence, 0, len(all))
	for _, p := range all {
		if p.IsLive(now, s.conf.LiveWindow) {
			live = append(live, p)
		}
	}
	return live, nil
}

// Purge deletes records last seen before cutoff.
func (s *PresenceService) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.DeleteStalePresence(ctx, before)
	if err != nil {
		return 0, errs.Persistence("failed to purge presence", err)
	}
	return n, nil
}
