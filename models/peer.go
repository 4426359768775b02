package models

import "time"

// DetectedPeer is a read-only projection of a session seen from an observer
type DetectedPeer struct {
	Identity     string        `json:"identity"`
	SessionID    string        `json:"sessionId"`
	Position     Position      `json:"position"`
	Status       SessionStatus `json:"status"`
	LastSeenAt   time.Time     `json:"lastSeenAt"`
	BatteryLevel int           `json:"batteryLevel"`
	DistanceKm   float64       `json:"distanceKm"`
}

// DeviceKind is the transport a nearby device was discovered on
type DeviceKind string

const (
	DeviceBluetooth DeviceKind = "bluetooth"
	DeviceWiFi      DeviceKind = "wifi"
	DeviceLoRa      DeviceKind = "lora"
)

// Valid reports whether k is a known discovery transport
func (k DeviceKind) Valid() bool {
	switch k {
	case DeviceBluetooth, DeviceWiFi, DeviceLoRa:
		return true
	}
	return false
}

// Label returns a human readable transport name
func (k DeviceKind) Label() string {
	switch k {
	case DeviceBluetooth:
		return "Bluetooth"
	case DeviceWiFi:
		return "Wi-Fi Direct"
	case DeviceLoRa:
		return "LoRa"
	default:
		return "Unknown"
	}
}

// NearbyDevice is a peer reported by the discovery sweep
type NearbyDevice struct {
	Kind        DeviceKind `json:"kind"`
	DisplayName string     `json:"displayName"`
	Address     string     `json:"address"`
}

type deviceKey struct {
	kind    DeviceKind
	address string
}

// DedupeDevices keeps the first occurrence of each (kind, address) pair,
// preserving discovery order. Entries with an unknown kind or empty address
// are dropped.
func DedupeDevices(devices []NearbyDevice) []NearbyDevice {
	seen := make(map[deviceKey]bool, len(devices))
	out := make([]NearbyDevice, 0, len(devices))
	for _, d := range devices {
		if !d.Kind.Valid() || d.Address == "" {
			continue
		}
		key := deviceKey{kind: d.Kind, address: d.Address}
		if seen[key] {
			continue
		}
		seen[key] = true
		if d.DisplayName == "" {
			d.DisplayName = "Unnamed"
		}
		out = append(out, d)
	}
	return out
}
