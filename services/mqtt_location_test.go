package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"lifeline/models"

	"go.uber.org/zap/zaptest"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestTracker(t *testing.T) (*MQTTLocationProvider, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	p := newFixTracker(FixTopic("lifeline/fix", "u1"), 2*time.Minute, zaptest.NewLogger(t))
	p.now = clock.Now
	return p, clock
}

func TestFixTopic(t *testing.T) {
	if got := FixTopic("lifeline/fix", "u1"); got != "lifeline/fix/u1" {
		t.Errorf("FixTopic = %q", got)
	}
}

func TestFixTracker_ServesFreshFix(t *testing.T) {
	p, clock := newTestTracker(t)
	battery := 64
	p.record(models.LocationFix{Latitude: delhi.Latitude, Longitude: delhi.Longitude, Battery: &battery, Timestamp: t0})

	clock.Set(t0.Add(30 * time.Second))
	pos, err := p.CurrentPosition(context.Background(), AccuracyBalanced)
	if err != nil {
		t.Fatalf("CurrentPosition: %v", err)
	}
	if pos != delhi {
		t.Errorf("position = %+v, want %+v", pos, delhi)
	}
	if level, ok := p.LatestBattery(); !ok || level != 64 {
		t.Errorf("LatestBattery = %d, %v", level, ok)
	}
}

func TestFixTracker_StaleFixTimesOut(t *testing.T) {
	p, clock := newTestTracker(t)
	p.record(models.LocationFix{Latitude: delhi.Latitude, Longitude: delhi.Longitude, Timestamp: t0})

	// Fresh for balanced, too old for a high accuracy request (half the max age)
	clock.Set(t0.Add(90 * time.Second))
	if _, err := p.CurrentPosition(context.Background(), AccuracyBalanced); err != nil {
		t.Fatalf("balanced request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.CurrentPosition(ctx, AccuracyHigh)
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("err = %v, want ErrLocationUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want it to wrap context.DeadlineExceeded", err)
	}
}

func TestFixTracker_WaitsForNextFix(t *testing.T) {
	p, _ := newTestTracker(t)

	result := make(chan models.Position, 1)
	go func() {
		pos, err := p.CurrentPosition(context.Background(), AccuracyHigh)
		if err != nil {
			t.Errorf("CurrentPosition: %v", err)
		}
		result <- pos
	}()

	time.Sleep(10 * time.Millisecond)
	p.handleMessage(nil, fakeMessage{
		topic:   p.topic,
		payload: []byte(`{"device_id":"t1","latitude":28.6139,"longitude":77.209,"timestamp":"2024-03-01T12:00:00Z"}`),
	})

	select {
	case pos := <-result:
		if pos != delhi {
			t.Errorf("position = %+v, want %+v", pos, delhi)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CurrentPosition did not return after a fix arrived")
	}
}

func TestFixTracker_IgnoresBadFixes(t *testing.T) {
	p, _ := newTestTracker(t)

	p.handleMessage(nil, fakeMessage{topic: p.topic, payload: []byte(`not json`)})
	p.record(models.LocationFix{Latitude: 95, Longitude: 0, Timestamp: t0})

	if _, ok := p.LatestBattery(); ok {
		t.Error("no fix should have been recorded")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.CurrentPosition(ctx, AccuracyBalanced); !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("err = %v, want ErrLocationUnavailable", err)
	}
}
