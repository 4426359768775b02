package models

import (
	"math"
	"time"
)

// MaxThresholdSeconds is the largest threshold that fits in a time.Duration
const MaxThresholdSeconds = math.MaxInt64 / int64(time.Second)

// ScanRequest asks the watchdog to run a staleness scan
type ScanRequest struct {
	ThresholdSeconds int       `json:"thresholdSeconds"`
	RequestedBy      string    `json:"requestedBy,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ScanResult is the outcome of one staleness scan
type ScanResult struct {
	EscalatedCount int `json:"escalatedCount"`
}

// EscalationEvent is published once per session the watchdog escalated
type EscalationEvent struct {
	SessionID       string        `json:"sessionId"`
	UserID          string        `json:"userId"`
	Status          SessionStatus `json:"status"`
	LastHeartbeat   time.Time     `json:"lastHeartbeat"`
	SilentFor       string        `json:"silentFor"`
	CurrentLocation *Position     `json:"currentLocation,omitempty"`
	BatteryLevel    int           `json:"batteryLevel"`
	EscalatedAt     time.Time     `json:"escalatedAt"`
}

// NewEscalationEvent describes a session that was just escalated at now
func NewEscalationEvent(s Session, now time.Time) EscalationEvent {
	return EscalationEvent{
		SessionID:       s.ID,
		UserID:          s.UserID,
		Status:          StatusEscalatedSignalLost,
		LastHeartbeat:   s.LastHeartbeat,
		SilentFor:       now.Sub(s.LastHeartbeat).Truncate(time.Second).String(),
		CurrentLocation: s.CurrentLocation,
		BatteryLevel:    s.BatteryLevel,
		EscalatedAt:     now,
	}
}

// Summary is the console's aggregate view of all sessions
type Summary struct {
	Total  int                         `json:"total"`
	Counts map[SessionStatus]int       `json:"counts"`
	Groups map[SessionStatus][]Session `json:"groups"`
	Order  []SessionStatus             `json:"order"`
}
