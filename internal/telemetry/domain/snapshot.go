package telemetry

import "time"

// DeviceReading is one device entry of a remote snapshot, before persistence.
type DeviceReading struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Sample   Sample `json:"sample"`
}

// Snapshot is one coherent read of total plus all device telemetry.
type Snapshot struct {
	CollectedAt time.Time       `json:"collected_at"`
	Total       Sample          `json:"total"`
	Devices     []DeviceReading `json:"devices"`
}

// SnapshotStatus tells "never collected" apart from "collection failing".
type SnapshotStatus string

const (
	SnapshotNoData SnapshotStatus = "no_data"
	SnapshotOK     SnapshotStatus = "ok"
	SnapshotStale  SnapshotStatus = "stale"
)

// SnapshotView is what the serving layer reads.
type SnapshotView struct {
	Status        SnapshotStatus `json:"status"`
	Snapshot      *Snapshot      `json:"snapshot,omitempty"`
	LastSuccessAt time.Time      `json:"last_success_at,omitempty"`
	LastAttemptAt time.Time      `json:"last_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}
