package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	telemetry "bandix-monitor/internal/telemetry/domain"
)

type sampleKey struct {
	subject string
	ts      int64
}

// Store keeps samples and devices in process memory.
type Store struct {
	mu       sync.RWMutex
	samples  map[sampleKey]telemetry.Sample
	bySubj   map[string][]telemetry.Sample
	devices  map[string]*telemetry.Device
	deviceID map[int64]string
	nextID   int64
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		samples:  make(map[sampleKey]telemetry.Sample),
		bySubj:   make(map[string][]telemetry.Sample),
		devices:  make(map[string]*telemetry.Device),
		deviceID: make(map[int64]string),
	}
}

func (s *Store) InsertSample(ctx context.Context, sample telemetry.Sample) (bool, error) {
	if s == nil {
		return false, errors.New("memory store: nil")
	}
	if err := sample.Validate(); err != nil {
		return false, err
	}
	sample.Timestamp = sample.Timestamp.UTC()
	key := sampleKey{subject: sample.SubjectID, ts: sample.Timestamp.UnixNano()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.samples[key]; exists {
		return false, nil
	}
	s.samples[key] = sample
	list := s.bySubj[sample.SubjectID]
	idx := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(sample.Timestamp) })
	list = append(list, telemetry.Sample{})
	copy(list[idx+1:], list[idx:])
	list[idx] = sample
	s.bySubj[sample.SubjectID] = list
	return true, nil
}

func (s *Store) LatestSample(ctx context.Context, subjectID string) (*telemetry.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.bySubj[subjectID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (s *Store) ListSamples(ctx context.Context, subjectID string, from, to time.Time) ([]telemetry.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []telemetry.Sample
	for _, sample := range s.bySubj[subjectID] {
		if !from.IsZero() && sample.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !sample.Timestamp.Before(to) {
			continue
		}
		result = append(result, sample)
	}
	return result, nil
}

func (s *Store) AverageRate(ctx context.Context, subjectID string, since time.Time) (*telemetry.RateAverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var avg telemetry.RateAverage
	var down, up float64
	for _, sample := range s.bySubj[subjectID] {
		if sample.Timestamp.Before(since) {
			continue
		}
		avg.Samples++
		down += float64(sample.DownRateBytesPerSec)
		up += float64(sample.UpRateBytesPerSec)
	}
	if avg.Samples > 0 {
		avg.Down = down / float64(avg.Samples)
		avg.Up = up / float64(avg.Samples)
	}
	return &avg, nil
}

func (s *Store) UpsertDevice(ctx context.Context, mac, ip, name string, seenAt time.Time) (telemetry.Device, error) {
	if s == nil {
		return telemetry.Device{}, errors.New("memory store: nil")
	}
	mac = telemetry.NormalizeMAC(mac)
	if mac == "" {
		return telemetry.Device{}, errors.New("memory store: empty mac")
	}
	if seenAt.IsZero() {
		return telemetry.Device{}, errors.New("memory store: zero seen time")
	}
	seenAt = seenAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[mac]
	if !ok {
		s.nextID++
		device = &telemetry.Device{
			ID:          s.nextID,
			MACAddress:  mac,
			DisplayName: name,
			LastKnownIP: ip,
			FirstSeenAt: seenAt,
			LastSeenAt:  seenAt,
		}
		s.devices[mac] = device
		s.deviceID[device.ID] = mac
		return *device, nil
	}
	if name != "" {
		device.DisplayName = name
	}
	if ip != "" {
		device.LastKnownIP = ip
	}
	if seenAt.After(device.LastSeenAt) {
		device.LastSeenAt = seenAt
	}
	return *device, nil
}

func (s *Store) GetDevice(ctx context.Context, id int64) (*telemetry.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mac, ok := s.deviceID[id]
	if !ok {
		return nil, nil
	}
	device := *s.devices[mac]
	return &device, nil
}

func (s *Store) GetDeviceByMAC(ctx context.Context, mac string) (*telemetry.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[telemetry.NormalizeMAC(mac)]
	if !ok {
		return nil, nil
	}
	copied := *device
	return &copied, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]telemetry.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]telemetry.Device, 0, len(s.devices))
	for _, device := range s.devices {
		result = append(result, *device)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) DeviceLastSeen(ctx context.Context, id int64) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mac, ok := s.deviceID[id]
	if !ok {
		return nil, telemetry.ErrNotFound
	}
	list := s.bySubj[mac]
	if len(list) == 0 {
		return nil, nil
	}
	ts := list[len(list)-1].Timestamp
	return &ts, nil
}

// SampleCount returns the number of stored samples.
func (s *Store) SampleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}
