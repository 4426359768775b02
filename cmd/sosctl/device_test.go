package main

import (
	"context"
	"testing"

	"lifeline/config"
	"lifeline/models"
	"lifeline/services"
)

func TestWithLocatorNeedsNoIdentity(t *testing.T) {
	d := &device{cfg: &config.Config{
		MQTTBroker:     "tcp://127.0.0.1:1883",
		FixedLatitude:  28.6139,
		FixedLongitude: 77.2090,
	}}

	if err := d.withLocator(); err != nil {
		t.Fatalf("withLocator: %v", err)
	}
	if d.tracker != nil {
		t.Error("tracker subscribed without a reporting identity")
	}
	pos, err := d.locator.CurrentPosition(context.Background(), services.AccuracyBalanced)
	if err != nil {
		t.Fatalf("CurrentPosition: %v", err)
	}
	if want := (models.Position{Latitude: 28.6139, Longitude: 77.2090}); pos != want {
		t.Errorf("position = %+v, want %+v", pos, want)
	}

	if err := d.withProducer(); err == nil {
		t.Error("withProducer should still require an identity")
	}
}

func TestWithLocatorRejectsBadFixedPosition(t *testing.T) {
	d := &device{cfg: &config.Config{FixedLatitude: 120}}
	if err := d.withLocator(); err == nil {
		t.Error("expected error for latitude out of range")
	}
}
