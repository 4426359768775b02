package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"lifeline/models"

	"go.uber.org/zap"
)

// SirenAlertService pushes escalations to a field siren / dispatch board
// that exposes a JSON webhook
type SirenAlertService struct {
	logger     *zap.Logger
	apiURL     string
	httpClient *http.Client
}

// SirenAlertPayload is the body posted to the siren webhook
type SirenAlertPayload struct {
	Events    []models.EscalationEvent `json:"events"`
	Severity  string                   `json:"severity"`
	AlertType string                   `json:"alert_type"`
}

// NewSirenAlertService creates a new siren alert service
func NewSirenAlertService(logger *zap.Logger, apiURL string) *SirenAlertService {
	return &SirenAlertService{
		logger: logger,
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (h *SirenAlertService) Name() string {
	return "siren"
}

// OnEscalated posts all escalated sessions in one request
func (h *SirenAlertService) OnEscalated(ctx context.Context, sessions []models.Session) error {
	if len(sessions) == 0 {
		return nil
	}

	now := time.Now()
	events := make([]models.EscalationEvent, len(sessions))
	for i, s := range sessions {
		events[i] = models.NewEscalationEvent(s, now)
	}

	payload := SirenAlertPayload{
		Events:    events,
		Severity:  determineSeverity(sessions),
		AlertType: "sos_signal_lost",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/siren-alert", h.apiURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		h.logger.Error("Failed to create HTTP request",
			zap.Error(err),
			zap.String("url", endpoint),
		)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Lifeline-Watchdog/1.0")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.logger.Info("Siren alert sent successfully",
			zap.Int("sessions", len(sessions)),
			zap.String("severity", payload.Severity),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	}

	return fmt.Errorf("siren alert API error: %s", resp.Status)
}

// determineSeverity is critical when any escalated device was nearly out of
// battery or had no known position
func determineSeverity(sessions []models.Session) string {
	for _, s := range sessions {
		if !s.HasLocation() || s.BatteryLevel <= 10 {
			return "critical"
		}
	}
	if len(sessions) > 1 {
		return "high"
	}
	return "medium"
}
