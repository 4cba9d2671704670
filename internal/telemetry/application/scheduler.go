package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"bandix-monitor/internal/observability/metrics"
	telemetry "bandix-monitor/internal/telemetry/domain"
	"bandix-monitor/internal/ubus"
)

const defaultPollInterval = 60 * time.Second

// State is the collection loop position.
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StateStored
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateStored:
		return "stored"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SnapshotFetcher reads one snapshot from the router.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error)
}

// IntervalSource supplies the poll interval; it is read every cycle.
type IntervalSource interface {
	CurrentPollInterval() time.Duration
}

// AlertEvaluator receives the samples written by a cycle.
type AlertEvaluator interface {
	EvaluateSamples(ctx context.Context, total telemetry.Sample, devices []telemetry.DeviceSample) error
}

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

// Scheduler drives periodic collection. It is the only writer of samples and
// devices.
type Scheduler struct {
	fetcher   SnapshotFetcher
	samples   telemetry.SampleRepository
	devices   telemetry.DeviceRepository
	interval  IntervalSource
	evaluator AlertEvaluator
	clock     Clock
	logger    logrus.FieldLogger

	state atomic.Int32

	mu            sync.RWMutex
	latest        *telemetry.Snapshot
	lastSuccessAt time.Time
	lastAttemptAt time.Time
	lastErr       error
}

// Option configures Scheduler.
type Option func(*Scheduler)

func WithEvaluator(evaluator AlertEvaluator) Option {
	return func(s *Scheduler) {
		s.evaluator = evaluator
	}
}

func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(fetcher SnapshotFetcher, samples telemetry.SampleRepository, devices telemetry.DeviceRepository, interval IntervalSource, opts ...Option) (*Scheduler, error) {
	if fetcher == nil {
		return nil, errors.New("scheduler: nil fetcher")
	}
	if samples == nil {
		return nil, errors.New("scheduler: nil sample repo")
	}
	if devices == nil {
		return nil, errors.New("scheduler: nil device repo")
	}
	if interval == nil {
		return nil, errors.New("scheduler: nil interval source")
	}
	s := &Scheduler{
		fetcher:  fetcher,
		samples:  samples,
		devices:  devices,
		interval: interval,
		clock:    systemClock{},
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current loop state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run collects until ctx is cancelled. Failed cycles are logged and never end
// the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil {
		return errors.New("scheduler: nil")
	}
	for {
		if ctx.Err() != nil {
			s.state.Store(int32(StateIdle))
			return nil
		}
		interval := s.currentInterval()
		start := s.clock.Now()
		_ = s.CollectOnce(ctx)
		s.state.Store(int32(StateIdle))

		elapsed := s.clock.Now().Sub(start)
		wait := interval - elapsed
		if wait <= 0 {
			metrics.IncCollectionOverrun()
			s.logger.WithFields(logrus.Fields{
				"interval": interval.String(),
				"elapsed":  elapsed.String(),
			}).Warn("collection cycle overran poll interval")
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.state.Store(int32(StateIdle))
			return nil
		case <-timer.C:
		}
	}
}

func (s *Scheduler) currentInterval() time.Duration {
	interval := s.interval.CurrentPollInterval()
	if interval <= 0 {
		return defaultPollInterval
	}
	return interval
}

// CollectOnce runs a single cycle: fetch, persist, evaluate.
func (s *Scheduler) CollectOnce(ctx context.Context) error {
	start := s.clock.Now()
	s.state.Store(int32(StateCollecting))

	snapshot, err := s.fetcher.FetchSnapshot(ctx)
	if err != nil {
		s.skip(start, "fetch", telemetry.SubjectTotal, err)
		return err
	}

	deviceSamples, err := s.persist(ctx, snapshot)
	if err != nil {
		subject := telemetry.SubjectTotal
		var storeErr *telemetry.StoreError
		if errors.As(err, &storeErr) {
			subject = storeErr.Subject
		}
		s.skip(start, "store", subject, err)
		return err
	}

	s.state.Store(int32(StateStored))
	s.mu.Lock()
	s.latest = &snapshot
	s.lastSuccessAt = snapshot.CollectedAt
	s.lastAttemptAt = start
	s.lastErr = nil
	s.mu.Unlock()
	metrics.ObserveCollection(metrics.CycleResultStored, s.clock.Now().Sub(start))

	if s.evaluator != nil {
		if err := s.evaluator.EvaluateSamples(ctx, snapshot.Total, deviceSamples); err != nil {
			s.logger.WithFields(logrus.Fields{
				"at":  snapshot.Total.Timestamp,
				"err": err,
			}).Error("alert evaluation failed")
		}
	}
	return nil
}

// persist upserts each device before inserting its sample, then inserts the
// total. Duplicate samples are counted, not failed.
func (s *Scheduler) persist(ctx context.Context, snapshot telemetry.Snapshot) ([]telemetry.DeviceSample, error) {
	inserted, duplicates := 0, 0
	defer func() { metrics.AddSamples(inserted, duplicates) }()

	deviceSamples := make([]telemetry.DeviceSample, 0, len(snapshot.Devices))
	for _, reading := range snapshot.Devices {
		device, err := s.devices.UpsertDevice(ctx, reading.MAC, reading.IP, reading.Hostname, reading.Sample.Timestamp)
		if err != nil {
			return nil, &telemetry.StoreError{Op: "upsert device", Subject: reading.MAC, Err: err}
		}
		ok, err := s.samples.InsertSample(ctx, reading.Sample)
		if err != nil {
			return nil, &telemetry.StoreError{Op: "insert sample", Subject: reading.MAC, Err: err}
		}
		if ok {
			inserted++
		} else {
			duplicates++
		}
		deviceSamples = append(deviceSamples, telemetry.DeviceSample{Device: device, Sample: reading.Sample})
	}

	ok, err := s.samples.InsertSample(ctx, snapshot.Total)
	if err != nil {
		return nil, &telemetry.StoreError{Op: "insert sample", Subject: telemetry.SubjectTotal, Err: err}
	}
	if ok {
		inserted++
	} else {
		duplicates++
	}
	if duplicates > 0 {
		s.logger.WithFields(logrus.Fields{
			"at":         snapshot.Total.Timestamp,
			"duplicates": duplicates,
		}).Debug("samples already stored for timestamp")
	}
	return deviceSamples, nil
}

func (s *Scheduler) skip(start time.Time, stage, subject string, err error) {
	s.state.Store(int32(StateSkipped))
	s.mu.Lock()
	s.lastAttemptAt = start
	s.lastErr = err
	s.mu.Unlock()

	metrics.IncCollectionFailure(failureReason(err))
	metrics.ObserveCollection(metrics.CycleResultSkipped, s.clock.Now().Sub(start))
	s.logger.WithFields(logrus.Fields{
		"stage":   stage,
		"subject": subject,
		"at":      start,
		"reason":  failureReason(err),
		"err":     err,
	}).Error("collection cycle skipped")
}

type timeouter interface {
	Timeout() bool
}

func failureReason(err error) string {
	var authErr *ubus.AuthError
	var storeErr *telemetry.StoreError
	var t timeouter
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &storeErr):
		return "store"
	case errors.As(err, &t) && t.Timeout():
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "fetch"
	}
}

// LatestSnapshot returns the most recent successful snapshot and whether the
// last cycle failed since.
func (s *Scheduler) LatestSnapshot() telemetry.SnapshotView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := telemetry.SnapshotView{
		Status:        telemetry.SnapshotOK,
		LastSuccessAt: s.lastSuccessAt,
		LastAttemptAt: s.lastAttemptAt,
	}
	if s.latest == nil {
		view.Status = telemetry.SnapshotNoData
	} else {
		copied := *s.latest
		copied.Devices = append([]telemetry.DeviceReading(nil), s.latest.Devices...)
		view.Snapshot = &copied
	}
	if s.lastErr != nil {
		view.LastError = s.lastErr.Error()
		if s.latest != nil {
			view.Status = telemetry.SnapshotStale
		}
	}
	return view
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
