package models

import "testing"

func TestDedupeDevices(t *testing.T) {
	in := []NearbyDevice{
		{Kind: DeviceBluetooth, DisplayName: "Phone", Address: "AA:BB"},
		{Kind: DeviceWiFi, DisplayName: "Laptop", Address: "AA:BB"},
		{Kind: DeviceBluetooth, DisplayName: "Phone again", Address: "AA:BB"},
		{Kind: DeviceLoRa, Address: "lora:00ff"},
		{Kind: "zigbee", DisplayName: "Bulb", Address: "z1"},
		{Kind: DeviceWiFi, DisplayName: "Nameless", Address: ""},
	}

	got := DedupeDevices(in)

	want := []NearbyDevice{
		{Kind: DeviceBluetooth, DisplayName: "Phone", Address: "AA:BB"},
		{Kind: DeviceWiFi, DisplayName: "Laptop", Address: "AA:BB"},
		{Kind: DeviceLoRa, DisplayName: "Unnamed", Address: "lora:00ff"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d devices %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("device %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDeviceKindLabel(t *testing.T) {
	tests := map[DeviceKind]string{
		DeviceBluetooth: "Bluetooth",
		DeviceWiFi:      "Wi-Fi Direct",
		DeviceLoRa:      "LoRa",
		"nfc":           "Unknown",
	}
	for kind, want := range tests {
		if got := kind.Label(); got != want {
			t.Errorf("%q.Label() = %q, want %q", kind, got, want)
		}
	}
}
