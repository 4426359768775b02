package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lifeline/config"
	"lifeline/models"
	"lifeline/store"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testCollection = "sos_sessions"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type locResult struct {
	pos models.Position
	err error
}

// scriptedLocator returns queued results in order, then repeats the last one
type scriptedLocator struct {
	mu      sync.Mutex
	results []locResult
	last    locResult
	calls   int
}

func (l *scriptedLocator) push(pos models.Position, err error) {
	l.mu.Lock()
	l.results = append(l.results, locResult{pos: pos, err: err})
	l.mu.Unlock()
}

func (l *scriptedLocator) CurrentPosition(ctx context.Context, _ Accuracy) (models.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if len(l.results) > 0 {
		l.last = l.results[0]
		l.results = l.results[1:]
	} else if l.calls == 1 {
		l.last = locResult{err: ErrLocationUnavailable}
	}
	return l.last.pos, l.last.err
}

// blockingLocator blocks every call until ctx is cancelled
type blockingLocator struct {
	calls atomic.Int32
}

func (l *blockingLocator) CurrentPosition(ctx context.Context, _ Accuracy) (models.Position, error) {
	l.calls.Add(1)
	<-ctx.Done()
	return models.Position{}, ctx.Err()
}

type producerFixture struct {
	producer *HeartbeatProducer
	repo     *SessionRepository
	state    *MemoryLocalState
	clock    *fakeClock
}

func newProducerFixture(t *testing.T, locator LocationProvider, logger *zap.Logger, interval time.Duration) *producerFixture {
	t.Helper()
	cfg := &config.Config{
		HeartbeatInterval:     interval,
		LocationTimeout:       time.Hour,
		HeartbeatFailureAlert: 3,
	}
	repo := NewSessionRepository(store.NewMemoryStore(), testCollection, logger)
	state := &MemoryLocalState{}
	clock := &fakeClock{now: t0}

	p := NewHeartbeatProducer(cfg, repo, locator, StaticBattery(80), state, logger)
	p.now = clock.Now
	t.Cleanup(p.halt)

	return &producerFixture{producer: p, repo: repo, state: state, clock: clock}
}

var delhi = models.Position{Latitude: 28.6139, Longitude: 77.2090}

func TestHeartbeatProducer_StartCreatesActiveSession(t *testing.T) {
	loc := &scriptedLocator{}
	loc.push(delhi, nil)
	f := newProducerFixture(t, loc, zaptest.NewLogger(t), time.Hour)
	ctx := context.Background()

	id, err := f.producer.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id != "sos_u1" {
		t.Errorf("expected sos_u1, got %q", id)
	}

	s, err := f.repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Status != models.StatusActive {
		t.Errorf("expected ACTIVE, got %s", s.Status)
	}
	if !s.StartTime.Equal(t0) || !s.LastHeartbeat.Equal(t0) {
		t.Errorf("expected startTime == lastHeartbeat == %v, got %v / %v", t0, s.StartTime, s.LastHeartbeat)
	}
	if s.CurrentLocation == nil || *s.CurrentLocation != delhi {
		t.Errorf("unexpected location %+v", s.CurrentLocation)
	}
	if s.BatteryLevel != 80 {
		t.Errorf("expected battery 80, got %d", s.BatteryLevel)
	}

	if !f.producer.Running() || f.producer.SessionID() != id {
		t.Errorf("expected loop running for %s", id)
	}
	if recorded, _ := f.state.Load(ctx); recorded != id {
		t.Errorf("expected local state %s, got %q", id, recorded)
	}

	if _, err := f.producer.Start(ctx, "u1"); !errors.Is(err, ErrProducerRunning) {
		t.Errorf("expected ErrProducerRunning, got %v", err)
	}
}

func TestHeartbeatProducer_StartWithoutFixCreatesNothing(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unavailable", ErrLocationUnavailable},
		{"permission denied", ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := &scriptedLocator{}
			loc.push(models.Position{}, tt.err)
			f := newProducerFixture(t, loc, zaptest.NewLogger(t), time.Hour)
			ctx := context.Background()

			_, err := f.producer.Start(ctx, "u1")
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if _, err := f.repo.Get(ctx, "sos_u1"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected no session, got %v", err)
			}
			if f.producer.Running() {
				t.Error("loop should not be running")
			}
			if recorded, _ := f.state.Load(ctx); recorded != "" {
				t.Errorf("expected empty local state, got %q", recorded)
			}
		})
	}
}

// A failed beat leaves lastHeartbeat untouched; the next good beat moves it
func TestHeartbeatProducer_FailedBeatKeepsLastHeartbeat(t *testing.T) {
	loc := &scriptedLocator{}
	loc.push(delhi, nil)
	f := newProducerFixture(t, loc, zaptest.NewLogger(t), time.Hour)
	ctx := context.Background()

	id, err := f.producer.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.clock.Set(t0.Add(60 * time.Second))
	loc.push(models.Position{}, ErrLocationUnavailable)
	loc.push(models.Position{Latitude: 28.62, Longitude: 77.21}, nil)

	if err := f.producer.beat(ctx, id); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected location failure, got %v", err)
	}
	s, _ := f.repo.Get(ctx, id)
	if !s.LastHeartbeat.Equal(t0) {
		t.Errorf("lastHeartbeat moved on a failed beat: %v", s.LastHeartbeat)
	}
	if s.Status != models.StatusActive {
		t.Errorf("failed beat changed status to %s", s.Status)
	}

	f.clock.Set(t0.Add(120 * time.Second))
	if err := f.producer.beat(ctx, id); err != nil {
		t.Fatalf("beat: %v", err)
	}
	s, _ = f.repo.Get(ctx, id)
	if !s.LastHeartbeat.Equal(t0.Add(120 * time.Second)) {
		t.Errorf("expected lastHeartbeat t0+120s, got %v", s.LastHeartbeat)
	}
	if s.LastHeartbeat.Before(s.StartTime) {
		t.Errorf("lastHeartbeat %v before startTime %v", s.LastHeartbeat, s.StartTime)
	}
	if s.CurrentLocation == nil || s.CurrentLocation.Latitude != 28.62 {
		t.Errorf("location not refreshed: %+v", s.CurrentLocation)
	}
}

func TestHeartbeatProducer_RepeatedFailuresLogErrorOnly(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	loc := &scriptedLocator{}
	loc.push(delhi, nil)
	f := newProducerFixture(t, loc, zap.New(core), time.Hour)
	ctx := context.Background()

	id, err := f.producer.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	loc.push(models.Position{}, ErrLocationUnavailable)

	for i := 0; i < 3; i++ {
		_ = f.producer.beat(ctx, id)
	}

	if got := logs.FilterLevelExact(zapcore.WarnLevel).Len(); got != 2 {
		t.Errorf("expected 2 warnings, got %d", got)
	}
	if got := logs.FilterLevelExact(zapcore.ErrorLevel).Len(); got != 1 {
		t.Errorf("expected 1 error after the third miss, got %d", got)
	}

	s, _ := f.repo.Get(ctx, id)
	if s.Status != models.StatusActive {
		t.Errorf("producer must never end the session on failures, got %s", s.Status)
	}
}

func TestHeartbeatProducer_CancelledBeatIsNotAFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	loc, err := NewStaticLocationProvider(delhi)
	if err != nil {
		t.Fatalf("NewStaticLocationProvider: %v", err)
	}
	f := newProducerFixture(t, loc, zap.New(core), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.producer.beat(ctx, "sos_u1")
	if !errors.Is(err, ErrLocationUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want ErrLocationUnavailable wrapping context.Canceled", err)
	}
	if logs.Len() != 0 {
		t.Errorf("cancelled beat logged %d entries", logs.Len())
	}
	if got := f.producer.failures.Load(); got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
}

func TestHeartbeatProducer_StopIsIdempotent(t *testing.T) {
	loc := &scriptedLocator{}
	loc.push(delhi, nil)
	f := newProducerFixture(t, loc, zaptest.NewLogger(t), time.Hour)
	ctx := context.Background()

	id, err := f.producer.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.clock.Set(t0.Add(30 * time.Second))
	for i := 0; i < 2; i++ {
		if err := f.producer.Stop(ctx, id); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}

	s, _ := f.repo.Get(ctx, id)
	if s.Status != models.StatusResolved {
		t.Errorf("expected RESOLVED, got %s", s.Status)
	}
	if !s.LastHeartbeat.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("expected lastHeartbeat at stop time, got %v", s.LastHeartbeat)
	}
	if f.producer.Running() || f.producer.SessionID() != "" {
		t.Error("loop still running after Stop")
	}
	if recorded, _ := f.state.Load(ctx); recorded != "" {
		t.Errorf("local state not cleared: %q", recorded)
	}
}

func TestHeartbeatProducer_StopMissingSession(t *testing.T) {
	f := newProducerFixture(t, &scriptedLocator{}, zaptest.NewLogger(t), time.Hour)

	if err := f.producer.Stop(context.Background(), "sos_ghost"); err != nil {
		t.Errorf("expected no-op success, got %v", err)
	}
}

func TestHeartbeatProducer_ResumeIfActive(t *testing.T) {
	tests := []struct {
		name        string
		seed        func(t *testing.T, f *producerFixture)
		wantResumed bool
	}{
		{
			name: "nothing recorded",
			seed: func(t *testing.T, f *producerFixture) {},
		},
		{
			name: "active session",
			seed: func(t *testing.T, f *producerFixture) {
				seedSession(t, f, models.StatusActive)
			},
			wantResumed: true,
		},
		{
			name: "escalated session keeps beating",
			seed: func(t *testing.T, f *producerFixture) {
				seedSession(t, f, models.StatusEscalatedSignalLost)
			},
			wantResumed: true,
		},
		{
			name: "resolved elsewhere",
			seed: func(t *testing.T, f *producerFixture) {
				seedSession(t, f, models.StatusResolved)
			},
		},
		{
			name: "missing from store",
			seed: func(t *testing.T, f *producerFixture) {
				_ = f.state.Save(context.Background(), "sos_u1")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProducerFixture(t, &scriptedLocator{}, zaptest.NewLogger(t), time.Hour)
			tt.seed(t, f)
			ctx := context.Background()

			id, resumed, err := f.producer.ResumeIfActive(ctx)
			if err != nil {
				t.Fatalf("ResumeIfActive: %v", err)
			}
			if resumed != tt.wantResumed {
				t.Fatalf("expected resumed=%v, got %v", tt.wantResumed, resumed)
			}
			if f.producer.Running() != tt.wantResumed {
				t.Errorf("Running() = %v", f.producer.Running())
			}

			recorded, _ := f.state.Load(ctx)
			if tt.wantResumed {
				if id != "sos_u1" || recorded != "sos_u1" {
					t.Errorf("expected sos_u1 resumed and recorded, got %q / %q", id, recorded)
				}
			} else if recorded != "" {
				t.Errorf("expected local state cleared, got %q", recorded)
			}
		})
	}
}

func seedSession(t *testing.T, f *producerFixture, status models.SessionStatus) {
	t.Helper()
	ctx := context.Background()
	s := models.NewSession("u1", delhi, 50, t0)
	s.Status = status
	if err := f.repo.Create(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = f.state.Save(ctx, s.ID)
}

func TestHeartbeatProducer_SkipsTickWhileBeatInFlight(t *testing.T) {
	loc := &blockingLocator{}
	f := newProducerFixture(t, loc, zaptest.NewLogger(t), 5*time.Millisecond)
	seedSession(t, f, models.StatusActive)
	ctx := context.Background()

	if _, resumed, err := f.producer.ResumeIfActive(ctx); err != nil || !resumed {
		t.Fatalf("ResumeIfActive: resumed=%v err=%v", resumed, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for loc.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Let several more ticks pass while the first beat is still blocked
	time.Sleep(50 * time.Millisecond)

	if got := loc.calls.Load(); got != 1 {
		t.Errorf("expected exactly one in-flight beat, got %d", got)
	}

	if err := f.producer.Stop(ctx, "sos_u1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := loc.calls.Load(); got != 1 {
		t.Errorf("beat started after Stop, calls=%d", got)
	}
}
