package models

import (
	"fmt"
	"math"
	"time"
)

// SessionStatus represents the lifecycle state of an SOS session
type SessionStatus string

const (
	StatusActive              SessionStatus = "ACTIVE"
	StatusResolved            SessionStatus = "RESOLVED"
	StatusEscalatedSignalLost SessionStatus = "ESCALATED_SIGNAL_LOST"
)

// Document field names. Dashboards read these directly, do not rename.
const (
	FieldUserID          = "userId"
	FieldStatus          = "status"
	FieldStartTime       = "startTime"
	FieldLastHeartbeat   = "lastHeartbeat"
	FieldCurrentLocation = "currentLocation"
	FieldBatteryLevel    = "batteryLevel"
	FieldLatitude        = "latitude"
	FieldLongitude       = "longitude"
)

const sessionIDPrefix = "sos_"

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusResolved, StatusEscalatedSignalLost:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next.
// RESOLVED is absorbing; only the watchdog moves ACTIVE to ESCALATED_SIGNAL_LOST.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusResolved || next == StatusEscalatedSignalLost
	case StatusEscalatedSignalLost:
		return next == StatusResolved
	}
	return false
}

// Position is a WGS84 coordinate pair
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks latitude and longitude ranges
func (p Position) Validate() error {
	if !finite(p.Latitude) || !finite(p.Longitude) {
		return fmt.Errorf("coordinates (%f, %f) are not finite", p.Latitude, p.Longitude)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range [-90, 90]", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %f out of range [-180, 180]", p.Longitude)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Session is one tracked SOS lifecycle for one identity
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"userId"`
	Status          SessionStatus `json:"status"`
	StartTime       time.Time     `json:"startTime"`
	LastHeartbeat   time.Time     `json:"lastHeartbeat"`
	CurrentLocation *Position     `json:"currentLocation,omitempty"`
	BatteryLevel    int           `json:"batteryLevel"`
}

// SessionIDFor derives the session id for a reporting identity
func SessionIDFor(userID string) string {
	return sessionIDPrefix + userID
}

// NewSession builds an ACTIVE session started at now
func NewSession(userID string, pos Position, battery int, now time.Time) *Session {
	loc := pos
	return &Session{
		ID:              SessionIDFor(userID),
		UserID:          userID,
		Status:          StatusActive,
		StartTime:       now,
		LastHeartbeat:   now,
		CurrentLocation: &loc,
		BatteryLevel:    battery,
	}
}

// HasLocation reports whether the session carries a position
func (s *Session) HasLocation() bool {
	return s.CurrentLocation != nil
}

// Elapsed returns the time since the last heartbeat
func (s *Session) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeat)
}

// Document converts the session into its persisted field map
func (s *Session) Document() map[string]interface{} {
	doc := map[string]interface{}{
		FieldUserID:        s.UserID,
		FieldStatus:        string(s.Status),
		FieldStartTime:     s.StartTime,
		FieldLastHeartbeat: s.LastHeartbeat,
		FieldBatteryLevel:  s.BatteryLevel,
	}
	if s.CurrentLocation != nil {
		doc[FieldCurrentLocation] = LocationDocument(*s.CurrentLocation)
	}
	return doc
}

// LocationDocument converts a position into its persisted nested map
func LocationDocument(p Position) map[string]interface{} {
	return map[string]interface{}{
		FieldLatitude:  p.Latitude,
		FieldLongitude: p.Longitude,
	}
}

// SessionFromDocument parses a persisted session. Backends differ in how they
// return timestamps (time.Time, RFC3339 string) and numbers (int64, float64).
func SessionFromDocument(id string, data map[string]interface{}) (*Session, error) {
	userID, ok := data[FieldUserID].(string)
	if !ok {
		return nil, fmt.Errorf("session %s: missing %s", id, FieldUserID)
	}

	statusStr, _ := data[FieldStatus].(string)
	status := SessionStatus(statusStr)
	if !status.Valid() {
		return nil, fmt.Errorf("session %s: invalid status %q", id, statusStr)
	}

	startTime, err := parseTime(data[FieldStartTime])
	if err != nil {
		return nil, fmt.Errorf("session %s: %s: %w", id, FieldStartTime, err)
	}
	lastHeartbeat, err := parseTime(data[FieldLastHeartbeat])
	if err != nil {
		return nil, fmt.Errorf("session %s: %s: %w", id, FieldLastHeartbeat, err)
	}

	session := &Session{
		ID:            id,
		UserID:        userID,
		Status:        status,
		StartTime:     startTime,
		LastHeartbeat: lastHeartbeat,
		BatteryLevel:  int(toFloat(data[FieldBatteryLevel])),
	}

	if locMap, ok := data[FieldCurrentLocation].(map[string]interface{}); ok {
		lat, latOk := asFloat(locMap[FieldLatitude])
		lon, lonOk := asFloat(locMap[FieldLongitude])
		if latOk && lonOk {
			pos := Position{Latitude: lat, Longitude: lon}
			if err := pos.Validate(); err != nil {
				return nil, fmt.Errorf("session %s: %w", id, err)
			}
			session.CurrentLocation = &pos
		}
	}

	return session, nil
}

func parseTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t != nil {
			return *t, nil
		}
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case float64:
		// Realtime Database server timestamps are milliseconds since epoch
		return time.UnixMilli(int64(t)), nil
	case int64:
		return time.UnixMilli(t), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %T", v)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toFloat(v interface{}) float64 {
	f, _ := asFloat(v)
	return f
}
