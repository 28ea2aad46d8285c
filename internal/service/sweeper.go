package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
)

// SweeperConfig controls the lifecycle sweeper.
type SweeperConfig struct {
	Interval          time.Duration
	InactivityTimeout time.Duration
	PresenceRetention time.Duration
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	EndedSessions  []string `json:"ended_sessions"`
	PurgedPresence int64    `json:"purged_presence"`
}

// Sweeper periodically ends idle or expired sessions and purges stale presence.
type Sweeper struct {
	sessions store.SessionStore
	session  *SessionService
	presence *PresenceService
	conf     SweeperConfig
	clock    Clock
	logger   *logger.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(sessions store.SessionStore, session *SessionService, presence *PresenceService, conf SweeperConfig, clock Clock, log *logger.Logger) *Sweeper {
	if conf.Interval <= 0 {
		conf.Interval = time.Minute
	}
	if conf.InactivityTimeout <= 0 {
		conf.InactivityTimeout = 24 * time.Hour
	}
	if conf.PresenceRetention <= 0 {
		conf.PresenceRetention = 48 * time.Hour
	}
	return &Sweeper{
		sessions: sessions,
		session:  session,
		presence: presence,
		conf:     conf,
		clock:    clock,
		logger:   log,
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.conf.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.conf.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass. Sessions are ended before presence is purged; a
// failure in one step does not skip the other.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	now := s.clock.now()
	result := &SweepResult{}

	var firstErr error
	ended, err := s.sessions.EndInactiveSessions(ctx, now.Add(-s.conf.InactivityTimeout), now)
	if err != nil {
		firstErr = errs.Persistence("failed to end inactive sessions", err)
	}
	for _, id := range ended {
		s.session.NotifyEnded(ctx, id, EndReasonInactivity, now)
	}
	result.EndedSessions = ended

	purged, err := s.presence.Purge(ctx, now.Add(-s.conf.PresenceRetention))
	if err != nil && firstErr == nil {
		firstErr = err
	}
	result.PurgedPresence = purged

	if firstErr != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return result, firstErr
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	if len(ended) > 0 || purged > 0 {
		s.logger.Info("sweep completed",
			zap.Int("ended_sessions", len(ended)),
			zap.Int64("purged_presence", purged),
		)
	}
	return result, nil
}
