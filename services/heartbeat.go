package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lifeline/config"
	"lifeline/models"
	"lifeline/store"

	"go.uber.org/zap"
)

// HeartbeatProducer owns the reporting device's side of an SOS session:
// it creates the session, refreshes lastHeartbeat on a fixed interval and
// resolves the session on stop.
type HeartbeatProducer struct {
	sessions      *SessionRepository
	locator       LocationProvider
	battery       BatteryGauge
	state         LocalState
	interval      time.Duration
	locateTimeout time.Duration
	failureAlert  int
	logger        *zap.Logger
	now           func() time.Time

	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	inFlight atomic.Bool
	failures atomic.Int32
}

func NewHeartbeatProducer(cfg *config.Config, sessions *SessionRepository, locator LocationProvider, battery BatteryGauge, state LocalState, logger *zap.Logger) *HeartbeatProducer {
	return &HeartbeatProducer{
		sessions:      sessions,
		locator:       locator,
		battery:       battery,
		state:         state,
		interval:      cfg.HeartbeatInterval,
		locateTimeout: cfg.LocationTimeout,
		failureAlert:  cfg.HeartbeatFailureAlert,
		logger:        logger,
		now:           time.Now,
	}
}

// Start acquires a fix, creates the ACTIVE session and starts the heartbeat
// loop. Nothing is created when the fix cannot be obtained.
func (p *HeartbeatProducer) Start(ctx context.Context, userID string) (string, error) {
	if p.Running() {
		return "", ErrProducerRunning
	}

	pos, err := p.locate(ctx, AccuracyHigh)
	if err != nil {
		p.logger.Warn("Cannot start SOS without a location fix",
			zap.String("user_id", userID),
			zap.Error(err))
		return "", fmt.Errorf("starting SOS for %s: %w", userID, err)
	}

	session := models.NewSession(userID, pos, p.battery.Level(), p.now())
	if err := p.sessions.Create(ctx, session); err != nil {
		return "", err
	}

	if err := p.state.Save(ctx, session.ID); err != nil {
		// The session is live remotely; losing the local record only costs resume
		p.logger.Error("Failed to record active session locally",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	if err := p.launch(session.ID); err != nil {
		return "", err
	}

	p.logger.Info("SOS session started",
		zap.String("session_id", session.ID),
		zap.Float64("latitude", pos.Latitude),
		zap.Float64("longitude", pos.Longitude),
		zap.Duration("interval", p.interval))

	return session.ID, nil
}

// Stop cancels the loop, waits for an in-flight beat and marks the session
// RESOLVED. A missing session is not an error, so Stop may be called twice.
func (p *HeartbeatProducer) Stop(ctx context.Context, sessionID string) error {
	p.halt()

	if err := p.sessions.Resolve(ctx, sessionID, p.now()); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		p.logger.Info("Session already gone, nothing to resolve",
			zap.String("session_id", sessionID))
	} else {
		p.logger.Info("SOS session resolved", zap.String("session_id", sessionID))
	}

	if err := p.state.Clear(ctx); err != nil {
		p.logger.Warn("Failed to clear local session record", zap.Error(err))
	}
	return nil
}

// ResumeIfActive restarts the loop for a session recorded in LocalState.
// It returns the session id and whether a loop was resumed.
func (p *HeartbeatProducer) ResumeIfActive(ctx context.Context) (string, bool, error) {
	if id := p.SessionID(); id != "" && p.Running() {
		return id, true, nil
	}

	id, err := p.state.Load(ctx)
	if err != nil {
		return "", false, err
	}
	if id == "" {
		return "", false, nil
	}

	session, err := p.sessions.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.logger.Info("Recorded session no longer exists, clearing", zap.String("session_id", id))
		return "", false, p.state.Clear(ctx)
	case err != nil:
		// Keep heartbeating; the store may come back before the watchdog fires
		p.logger.Warn("Could not verify recorded session, resuming anyway",
			zap.String("session_id", id),
			zap.Error(err))
	case session.Status == models.StatusResolved:
		p.logger.Info("Recorded session was resolved elsewhere, clearing", zap.String("session_id", id))
		return "", false, p.state.Clear(ctx)
	}

	if err := p.launch(id); err != nil {
		return "", false, err
	}
	p.logger.Info("Resumed heartbeat loop", zap.String("session_id", id))
	return id, true, nil
}

// Running reports whether a heartbeat loop is active in this process
func (p *HeartbeatProducer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// SessionID returns the id the loop is running for, or ""
func (p *HeartbeatProducer) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Wait blocks until the running loop exits or ctx is done
func (p *HeartbeatProducer) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *HeartbeatProducer) launch(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrProducerRunning
	}

	// The loop outlives the caller's context; only Stop cancels it
	ctx, cancel := context.WithCancel(context.Background())
	p.sessionID = sessionID
	p.cancel = cancel
	p.done = make(chan struct{})
	p.failures.Store(0)

	go p.run(ctx, sessionID, p.done)
	return nil
}

func (p *HeartbeatProducer) halt() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.done = nil
	p.sessionID = ""
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *HeartbeatProducer) run(ctx context.Context, sessionID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.inFlight.CompareAndSwap(false, true) {
				p.logger.Debug("Previous heartbeat still in flight, skipping tick",
					zap.String("session_id", sessionID))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer p.inFlight.Store(false)
				_ = p.beat(ctx, sessionID)
			}()
		}
	}
}

// beat performs one heartbeat: locate, then a single document update
func (p *HeartbeatProducer) beat(ctx context.Context, sessionID string) error {
	pos, err := p.locate(ctx, AccuracyBalanced)
	if err != nil {
		p.recordFailure(sessionID, err)
		return err
	}

	if err := p.sessions.Heartbeat(ctx, sessionID, pos, p.battery.Level(), p.now()); err != nil {
		p.recordFailure(sessionID, err)
		return err
	}

	if missed := p.failures.Swap(0); missed > 0 {
		p.logger.Info("Heartbeat recovered",
			zap.String("session_id", sessionID),
			zap.Int32("missed", missed))
	}
	return nil
}

func (p *HeartbeatProducer) locate(ctx context.Context, accuracy Accuracy) (models.Position, error) {
	if p.locateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.locateTimeout)
		defer cancel()
	}
	return p.locator.CurrentPosition(ctx, accuracy)
}

func (p *HeartbeatProducer) recordFailure(sessionID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	missed := p.failures.Add(1)
	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.Int32("consecutive_failures", missed),
		zap.Bool("transient", IsLocationError(err) || store.IsTransient(err)),
		zap.Error(err),
	}
	if p.failureAlert > 0 && int(missed) >= p.failureAlert {
		p.logger.Error("Heartbeat failing repeatedly, watchdog may escalate", fields...)
		return
	}
	p.logger.Warn("Heartbeat failed, retrying next tick", fields...)
}
