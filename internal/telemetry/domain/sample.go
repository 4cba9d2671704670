package telemetry

import (
	"errors"
	"strings"
	"time"
)

// SubjectTotal identifies the aggregate network subject.
const SubjectTotal = "total"

// Sample is one immutable traffic reading for a subject.
type Sample struct {
	SubjectID           string    `json:"subject_id"`
	Timestamp           time.Time `json:"timestamp"`
	DownRateBytesPerSec int64     `json:"down_rate_bytes_per_sec"`
	UpRateBytesPerSec   int64     `json:"up_rate_bytes_per_sec"`
	TotalDownloadBytes  int64     `json:"total_download_bytes"`
	TotalUploadBytes    int64     `json:"total_upload_bytes"`
}

// Validate checks sample invariants.
func (s Sample) Validate() error {
	if s.SubjectID == "" {
		return errors.New("sample: empty subject")
	}
	if s.Timestamp.IsZero() {
		return errors.New("sample: zero timestamp")
	}
	if s.DownRateBytesPerSec < 0 || s.UpRateBytesPerSec < 0 {
		return errors.New("sample: negative rate")
	}
	return nil
}

// CombinedRate returns down+up in bytes per second.
func (s Sample) CombinedRate() int64 {
	return s.DownRateBytesPerSec + s.UpRateBytesPerSec
}

// IsTotal reports whether the sample describes the whole network.
func (s Sample) IsTotal() bool {
	return s.SubjectID == SubjectTotal
}

// NormalizeMAC lower-cases and trims a MAC address so it can be used as a
// stable subject id.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
