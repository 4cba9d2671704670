package alerts

import (
	"errors"
	"strings"
	"time"
)

type Kind string

const (
	KindThresholdRate Kind = "threshold_rate"
	KindDeviceOffline Kind = "device_offline"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Scope selects the subjects a rule applies to.
type Scope string

const (
	ScopeAllDevices Scope = "all_devices"
	ScopeTotal      Scope = "total"
	ScopeDevice     Scope = "device"
)

// Direction selects which rate a threshold rule compares.
type Direction string

const (
	DirectionBoth Direction = "both"
	DirectionDown Direction = "down"
	DirectionUp   Direction = "up"
)

// Evaluation selects the value a threshold rule compares: the fresh sample or
// the mean of stored samples over WindowSeconds.
type Evaluation string

const (
	EvaluationLatest  Evaluation = "latest"
	EvaluationAverage Evaluation = "average"
)

// Rule is an alert rule definition.
type Rule struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	Kind                 Kind       `json:"kind"`
	Enabled              bool       `json:"enabled"`
	Severity             Severity   `json:"severity"`
	Scope                Scope      `json:"scope"`
	DeviceID             *int64     `json:"device_id,omitempty"`
	ThresholdBytesPerSec int64      `json:"threshold_bytes_per_sec,omitempty"`
	Direction            Direction  `json:"direction,omitempty"`
	Evaluation           Evaluation `json:"evaluation,omitempty"`
	WindowSeconds        int        `json:"window_seconds,omitempty"`
	OfflineMinutes       int        `json:"offline_minutes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Normalize fills defaults for optional fields.
func (r *Rule) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	if r.Scope == "" {
		if r.Kind == KindDeviceOffline {
			r.Scope = ScopeAllDevices
		} else {
			r.Scope = ScopeTotal
		}
	}
	if r.Kind == KindThresholdRate {
		if r.Direction == "" {
			r.Direction = DirectionBoth
		}
		if r.Evaluation == "" {
			r.Evaluation = EvaluationLatest
		}
	}
}

// Validate checks rule invariants.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errors.New("alert rule: empty name")
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return errors.New("alert rule: invalid severity")
	}
	switch r.Scope {
	case ScopeAllDevices, ScopeTotal:
		if r.DeviceID != nil {
			return errors.New("alert rule: device id only valid for device scope")
		}
	case ScopeDevice:
		if r.DeviceID == nil || *r.DeviceID <= 0 {
			return errors.New("alert rule: device scope requires device id")
		}
	default:
		return errors.New("alert rule: invalid scope")
	}

	switch r.Kind {
	case KindThresholdRate:
		if r.ThresholdBytesPerSec <= 0 {
			return errors.New("alert rule: threshold must be positive")
		}
		switch r.Direction {
		case DirectionBoth, DirectionDown, DirectionUp:
		default:
			return errors.New("alert rule: invalid direction")
		}
		switch r.Evaluation {
		case EvaluationLatest:
		case EvaluationAverage:
			if r.WindowSeconds <= 0 {
				return errors.New("alert rule: average evaluation requires window seconds")
			}
		default:
			return errors.New("alert rule: invalid evaluation")
		}
	case KindDeviceOffline:
		if r.OfflineMinutes <= 0 {
			return errors.New("alert rule: offline minutes must be positive")
		}
		if r.Scope == ScopeTotal {
			return errors.New("alert rule: offline rule cannot target total")
		}
	default:
		return errors.New("alert rule: invalid kind")
	}
	return nil
}

// Window returns the averaging window.
func (r Rule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// OfflineAfter returns the silence duration that marks a device offline.
func (r Rule) OfflineAfter() time.Duration {
	return time.Duration(r.OfflineMinutes) * time.Minute
}
