package services

import (
	"context"
	"fmt"
	"time"

	"lifeline/models"

	"go.uber.org/zap"
)

// EscalationSink is told about sessions right after they were escalated
type EscalationSink interface {
	Name() string
	OnEscalated(ctx context.Context, sessions []models.Session) error
}

// StalenessWatchdog escalates ACTIVE sessions whose heartbeat went silent
type StalenessWatchdog struct {
	sessions *SessionRepository
	sinks    []EscalationSink
	logger   *zap.Logger
	now      func() time.Time
}

// NewStalenessWatchdog creates a watchdog that notifies the given sinks
func NewStalenessWatchdog(sessions *SessionRepository, logger *zap.Logger, sinks ...EscalationSink) *StalenessWatchdog {
	return &StalenessWatchdog{
		sessions: sessions,
		sinks:    sinks,
		logger:   logger,
		now:      time.Now,
	}
}

// Run scans on every tick until ctx is cancelled
func (w *StalenessWatchdog) Run(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Staleness watchdog started",
		zap.Duration("interval", interval),
		zap.Duration("threshold", threshold))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Staleness watchdog stopped")
			return
		case <-ticker.C:
			if _, err := w.Scan(ctx, threshold); err != nil {
				w.logger.Error("Staleness scan failed", zap.Error(err))
			}
		}
	}
}

// Scan escalates every ACTIVE session silent for longer than threshold in a
// single atomic write and returns how many were escalated. On a failed write
// nothing is escalated and the count is 0.
func (w *StalenessWatchdog) Scan(ctx context.Context, threshold time.Duration) (int, error) {
	active, err := w.sessions.ListByStatus(ctx, models.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("staleness scan: %w", err)
	}

	now := w.now()
	var stale []models.Session
	for _, s := range active {
		silentFor := s.Elapsed(now)
		if silentFor > threshold {
			w.logger.Warn("Session heartbeat is stale",
				zap.String("session_id", s.ID),
				zap.String("user_id", s.UserID),
				zap.Time("last_heartbeat", s.LastHeartbeat),
				zap.Duration("silent_for", silentFor))
			stale = append(stale, s)
		}
	}

	if len(stale) == 0 {
		w.logger.Debug("Staleness scan found nothing to escalate",
			zap.Int("active", len(active)))
		return 0, nil
	}

	ids := make([]string, len(stale))
	for i, s := range stale {
		ids[i] = s.ID
	}
	if err := w.sessions.Escalate(ctx, ids); err != nil {
		w.logger.Error("Escalation write failed, no session escalated",
			zap.Strings("session_ids", ids),
			zap.Error(err))
		return 0, err
	}

	for i := range stale {
		stale[i].Status = models.StatusEscalatedSignalLost
	}
	w.logger.Info("Sessions escalated",
		zap.Int("count", len(stale)),
		zap.Strings("session_ids", ids))

	w.notify(ctx, stale)
	return len(stale), nil
}

func (w *StalenessWatchdog) notify(ctx context.Context, escalated []models.Session) {
	for _, sink := range w.sinks {
		if err := sink.OnEscalated(ctx, escalated); err != nil {
			w.logger.Error("Failed to deliver escalation",
				zap.String("sink", sink.Name()),
				zap.Int("sessions", len(escalated)),
				zap.Error(err))
		}
	}
}

// ResolveSession is the operator action that closes an open session.
// Resolving an already RESOLVED session is a no-op.
func (w *StalenessWatchdog) ResolveSession(ctx context.Context, id string) error {
	s, err := w.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == models.StatusResolved {
		return nil
	}
	if err := w.sessions.Resolve(ctx, id, w.now()); err != nil {
		return err
	}
	w.logger.Info("Session resolved by operator",
		zap.String("session_id", id),
		zap.String("previous_status", string(s.Status)))
	return nil
}
