package models

import "time"

// LocationFix is a GPS fix published by a tracker over MQTT
type LocationFix struct {
	DeviceID  string    `json:"device_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	Battery   *int      `json:"battery,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Position returns the coordinate part of the fix
func (f LocationFix) Position() Position {
	return Position{Latitude: f.Latitude, Longitude: f.Longitude}
}
