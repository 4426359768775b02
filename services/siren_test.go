package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lifeline/models"

	"go.uber.org/zap/zaptest"
)

func TestSirenAlertService_PostsEvents(t *testing.T) {
	var got SirenAlertPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/siren-alert" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	siren := NewSirenAlertService(zaptest.NewLogger(t), srv.URL)
	sessions := []models.Session{*models.NewSession("alice", delhi, 60, t0)}

	if err := siren.OnEscalated(context.Background(), sessions); err != nil {
		t.Fatalf("OnEscalated: %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].SessionID != "sos_alice" {
		t.Errorf("unexpected events %+v", got.Events)
	}
	if got.Events[0].Status != models.StatusEscalatedSignalLost {
		t.Errorf("event status = %s", got.Events[0].Status)
	}
	if got.Severity != "medium" || got.AlertType != "sos_signal_lost" {
		t.Errorf("unexpected severity/type %q / %q", got.Severity, got.AlertType)
	}
}

func TestSirenAlertService_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	siren := NewSirenAlertService(zaptest.NewLogger(t), srv.URL)
	err := siren.OnEscalated(context.Background(), []models.Session{*models.NewSession("a", delhi, 60, t0)})
	if err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestDetermineSeverity(t *testing.T) {
	lowBattery := *models.NewSession("a", delhi, 5, t0)
	noFix := *models.NewSession("b", delhi, 90, t0)
	noFix.CurrentLocation = nil
	healthy := *models.NewSession("c", delhi, 90, t0)

	tests := []struct {
		name     string
		sessions []models.Session
		want     string
	}{
		{"low battery", []models.Session{healthy, lowBattery}, "critical"},
		{"no position", []models.Session{noFix}, "critical"},
		{"several", []models.Session{healthy, healthy}, "high"},
		{"single", []models.Session{healthy}, "medium"},
	}
	for _, tt := range tests {
		if got := determineSeverity(tt.sessions); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}
