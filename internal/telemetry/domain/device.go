package telemetry

import "time"

// Device is a network client identified by its MAC address.
type Device struct {
	ID          int64     `json:"id"`
	MACAddress  string    `json:"mac_address"`
	DisplayName string    `json:"display_name"`
	LastKnownIP string    `json:"last_known_ip"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Name returns the display name, falling back to the MAC address.
func (d Device) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.MACAddress
}

// DeviceSample pairs a persisted device with the sample collected for it.
type DeviceSample struct {
	Device Device `json:"device"`
	Sample Sample `json:"sample"`
}
