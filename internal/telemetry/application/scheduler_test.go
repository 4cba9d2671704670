package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"bandix-monitor/internal/telemetry/adapters/bandix"
	telemetry "bandix-monitor/internal/telemetry/domain"
	"bandix-monitor/internal/telemetry/infrastructure/memory"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	steps []func() (telemetry.Snapshot, error)
	calls int
}

func (f *scriptedFetcher) FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.calls++
	return f.steps[idx]()
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixedInterval time.Duration

func (i fixedInterval) CurrentPollInterval() time.Duration { return time.Duration(i) }

type recordingEvaluator struct {
	mu      sync.Mutex
	totals  []telemetry.Sample
	devices [][]telemetry.DeviceSample
}

func (r *recordingEvaluator) EvaluateSamples(ctx context.Context, total telemetry.Sample, devices []telemetry.DeviceSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals = append(r.totals, total)
	r.devices = append(r.devices, devices)
	return nil
}

// orderingStore fails the test if a device sample is inserted before its
// device exists.
type orderingStore struct {
	*memory.Store
	t *testing.T
}

func (o orderingStore) InsertSample(ctx context.Context, sample telemetry.Sample) (bool, error) {
	if !sample.IsTotal() {
		device, _ := o.Store.GetDeviceByMAC(ctx, sample.SubjectID)
		if device == nil {
			o.t.Errorf("sample for %s inserted before device upsert", sample.SubjectID)
		}
	}
	return o.Store.InsertSample(ctx, sample)
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

var cycleTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func snapshotWith(devices ...telemetry.DeviceReading) telemetry.Snapshot {
	return telemetry.Snapshot{
		CollectedAt: cycleTime,
		Total: telemetry.Sample{
			SubjectID:           telemetry.SubjectTotal,
			Timestamp:           cycleTime,
			DownRateBytesPerSec: 100,
			UpRateBytesPerSec:   50,
		},
		Devices: devices,
	}
}

func reading(mac string, down, up int64) telemetry.DeviceReading {
	return telemetry.DeviceReading{
		MAC:      mac,
		IP:       "192.168.1.10",
		Hostname: "laptop",
		Sample: telemetry.Sample{
			SubjectID:           mac,
			Timestamp:           cycleTime,
			DownRateBytesPerSec: down,
			UpRateBytesPerSec:   up,
		},
	}
}

func ok(snap telemetry.Snapshot) func() (telemetry.Snapshot, error) {
	return func() (telemetry.Snapshot, error) { return snap, nil }
}

func timeout() (telemetry.Snapshot, error) {
	return telemetry.Snapshot{}, &bandix.FetchError{Op: "fetch snapshot", Err: context.DeadlineExceeded}
}

func newTestScheduler(t *testing.T, fetcher SnapshotFetcher, store *memory.Store, interval time.Duration, opts ...Option) *Scheduler {
	t.Helper()
	opts = append(opts, WithLogger(quietLogger()))
	s, err := NewScheduler(fetcher, orderingStore{Store: store, t: t}, store, fixedInterval(interval), opts...)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return s
}

func TestCollectOnceZeroDevices(t *testing.T) {
	store := memory.NewStore()
	evaluator := &recordingEvaluator{}
	fetcher := &scriptedFetcher{steps: []func() (telemetry.Snapshot, error){ok(snapshotWith())}}
	s := newTestScheduler(t, fetcher, store, time.Minute, WithEvaluator(evaluator))

	if err := s.CollectOnce(context.Background()); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if store.SampleCount() != 1 {
		t.Fatalf("expected only the total sample, got %d", store.SampleCount())
	}
	devices, _ := store.ListDevices(context.Background())
	if len(devices) != 0 {
		t.Fatalf("expected no devices, got %d", len(devices))
	}
	if s.State() != StateStored {
		t.Fatalf("expected stored state, got %s", s.State())
	}
	if len(evaluator.totals) != 1 || len(evaluator.devices[0]) != 0 {
		t.Fatalf("unexpected evaluation input %+v", evaluator)
	}
	view := s.LatestSnapshot()
	if view.Status != telemetry.SnapshotOK || view.Snapshot == nil || view.LastError != "" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestCollectOnceUpsertsDevicesAndIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	evaluator := &recordingEvaluator{}
	snap := snapshotWith(reading("aa:bb:cc:dd:ee:01", 600_000, 500_000), reading("aa:bb:cc:dd:ee:02", 1, 1))
	fetcher := &scriptedFetcher{steps: []func() (telemetry.Snapshot, error){ok(snap)}}
	s := newTestScheduler(t, fetcher, store, time.Minute, WithEvaluator(evaluator))

	for i := 0; i < 3; i++ {
		if err := s.CollectOnce(context.Background()); err != nil {
			t.Fatalf("collect %d: %v", i, err)
		}
	}
	if store.SampleCount() != 3 {
		t.Fatalf("expected 3 unique samples, got %d", store.SampleCount())
	}
	devices, _ := store.ListDevices(context.Background())
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	got := evaluator.devices[0]
	if len(got) != 2 || got[0].Device.ID == 0 || got[0].Device.MACAddress != "aa:bb:cc:dd:ee:01" {
		t.Fatalf("evaluator did not receive persisted devices: %+v", got)
	}
}

func TestCollectOnceTimeoutStoresNothing(t *testing.T) {
	store := memory.NewStore()
	evaluator := &recordingEvaluator{}
	fetcher := &scriptedFetcher{steps: []func() (telemetry.Snapshot, error){timeout}}
	s := newTestScheduler(t, fetcher, store, time.Minute, WithEvaluator(evaluator))

	err := s.CollectOnce(context.Background())
	var fetchErr *bandix.FetchError
	if !errors.As(err, &fetchErr) || !fetchErr.Timeout() {
		t.Fatalf("expected timeout fetch error, got %v", err)
	}
	if store.SampleCount() != 0 {
		t.Fatalf("expected no samples, got %d", store.SampleCount())
	}
	if len(evaluator.totals) != 0 {
		t.Fatalf("evaluation must be skipped on failure")
	}
	if s.State() != StateSkipped {
		t.Fatalf("expected skipped state, got %s", s.State())
	}
	view := s.LatestSnapshot()
	if view.Status != telemetry.SnapshotNoData || view.LastError == "" {
		t.Fatalf("expected no_data with error, got %+v", view)
	}
}

func TestLatestSnapshotStaleAfterFailure(t *testing.T) {
	store := memory.NewStore()
	fetcher := &scriptedFetcher{steps: []func() (telemetry.Snapshot, error){ok(snapshotWith()), timeout}}
	s := newTestScheduler(t, fetcher, store, time.Minute)

	_ = s.CollectOnce(context.Background())
	_ = s.CollectOnce(context.Background())

	view := s.LatestSnapshot()
	if view.Status != telemetry.SnapshotStale {
		t.Fatalf("expected stale, got %s", view.Status)
	}
	if view.Snapshot == nil || !view.LastSuccessAt.Equal(cycleTime) || view.LastError == "" {
		t.Fatalf("stale view missing details: %+v", view)
	}
}

func TestRunResumesAfterTimeoutAndStopsOnCancel(t *testing.T) {
	store := memory.NewStore()
	fetcher := &scriptedFetcher{steps: []func() (telemetry.Snapshot, error){timeout, ok(snapshotWith())}}
	s := newTestScheduler(t, fetcher, store, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.SampleCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.SampleCount() != 1 {
		t.Fatalf("expected the loop to recover and store a sample")
	}
	if fetcher.callCount() < 2 {
		t.Fatalf("expected a second cycle after the failure")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop after cancel")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", s.State())
	}
}

type storeFailure struct {
	*memory.Store
}

func (storeFailure) InsertSample(ctx context.Context, sample telemetry.Sample) (bool, error) {
	return false, errors.New("disk full")
}

func TestCollectOnceStoreFailureIsTyped(t *testing.T) {
	store := memory.NewStore()
	fetcher := &scriptedFetcher{steps: []func() (telemetry.Snapshot, error){ok(snapshotWith(reading("aa:bb:cc:dd:ee:01", 1, 1)))}}
	s, err := NewScheduler(fetcher, storeFailure{Store: store}, store, fixedInterval(time.Minute), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	err = s.CollectOnce(context.Background())
	var storeErr *telemetry.StoreError
	if !errors.As(err, &storeErr) || storeErr.Subject != "aa:bb:cc:dd:ee:01" {
		t.Fatalf("expected store error for device, got %v", err)
	}
	if s.LatestSnapshot().Status != telemetry.SnapshotNoData {
		t.Fatalf("failed cycle must not publish a snapshot")
	}
}

type mutableInterval struct {
	mu       sync.Mutex
	interval time.Duration
}

func (m *mutableInterval) CurrentPollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *mutableInterval) Set(d time.Duration) {
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

type hookFetcher struct {
	mu    sync.Mutex
	calls int
	hook  func(call int)
}

func (f *hookFetcher) FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(call)
	}
	return snapshotWith(), nil
}

func (f *hookFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func runInBackground(t *testing.T, s *Scheduler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("scheduler did not stop after cancel")
		}
	}
}

func waitForCalls(t *testing.T, count func() int, want int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d cycles within %s, got %d", want, within, count())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunRereadsIntervalEveryCycle(t *testing.T) {
	interval := &mutableInterval{interval: 10 * time.Millisecond}
	fetcher := &hookFetcher{hook: func(call int) {
		if call == 3 {
			interval.Set(time.Hour)
		}
	}}
	s, err := NewScheduler(fetcher, memory.NewStore(), memory.NewStore(), interval, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	stop := runInBackground(t, s)
	defer stop()

	// Cycle 3 read the short interval before the change; cycle 4 reads the
	// hour and then waits on it.
	waitForCalls(t, fetcher.callCount, 4, time.Second)
	time.Sleep(100 * time.Millisecond)
	if got := fetcher.callCount(); got != 4 {
		t.Fatalf("new interval not applied, got %d cycles", got)
	}
}

func TestRunStartsNextCycleImmediatelyAfterOverrun(t *testing.T) {
	clock := &steppingClock{now: cycleTime}
	fetcher := &hookFetcher{hook: func(int) {
		clock.Advance(2 * time.Hour)
	}}
	s, err := NewScheduler(fetcher, memory.NewStore(), memory.NewStore(), fixedInterval(time.Hour),
		WithClock(clock),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	stop := runInBackground(t, s)
	defer stop()

	// Every cycle looks two hours long against a one hour interval, so no
	// cycle may sleep before the next.
	waitForCalls(t, fetcher.callCount, 3, time.Second)
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
