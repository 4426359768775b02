package models

// HazardEvent is one natural disaster reported near a coordinate
type HazardEvent struct {
	EventType string  `json:"event_type"`
	EventName string  `json:"event_name"`
	Date      string  `json:"date"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	SourceID  string  `json:"source_event_id,omitempty"`
}

// HazardReport is the hazard feed response for one coordinate
type HazardReport struct {
	Message  string        `json:"message"`
	Center   Position      `json:"center"`
	Events   []HazardEvent `json:"result"`
	Fallback bool          `json:"fallback,omitempty"`
}
