package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a missing device or sample.
var ErrNotFound = errors.New("telemetry: not found")

// StoreError wraps a persistence failure with the subject it concerned.
type StoreError struct {
	Op      string
	Subject string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("telemetry store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("telemetry store: %s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// SampleRepository persists samples. InsertSample reports false without error
// when a sample with the same (subject, timestamp) already exists.
type SampleRepository interface {
	InsertSample(ctx context.Context, sample Sample) (bool, error)
	LatestSample(ctx context.Context, subjectID string) (*Sample, error)
	ListSamples(ctx context.Context, subjectID string, from, to time.Time) ([]Sample, error)
	AverageRate(ctx context.Context, subjectID string, since time.Time) (*RateAverage, error)
}

// DeviceRepository persists devices keyed by MAC.
type DeviceRepository interface {
	UpsertDevice(ctx context.Context, mac, ip, name string, seenAt time.Time) (Device, error)
	GetDevice(ctx context.Context, id int64) (*Device, error)
	GetDeviceByMAC(ctx context.Context, mac string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	DeviceLastSeen(ctx context.Context, id int64) (*time.Time, error)
}

// RateAverage is the mean of stored rates for a subject over a window.
type RateAverage struct {
	Samples int     `json:"samples"`
	Down    float64 `json:"down"`
	Up      float64 `json:"up"`
}
