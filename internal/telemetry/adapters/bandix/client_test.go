package bandix

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	telemetry "bandix-monitor/internal/telemetry/domain"
	"bandix-monitor/internal/ubus"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubCaller struct {
	responses map[string]string
	block     bool
	err       error
}

func (s *stubCaller) Call(ctx context.Context, object, method string, args, out any) error {
	return s.Batch(ctx, []ubus.Call{{Object: object, Method: method, Args: args}}, []any{out})
}

func (s *stubCaller) Batch(ctx context.Context, calls []ubus.Call, outs []any) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	for i, call := range calls {
		if err := json.Unmarshal([]byte(s.responses[call.Method]), outs[i]); err != nil {
			return err
		}
	}
	return nil
}

type stubRunner struct {
	caller *stubCaller
	err    error
}

func (s stubRunner) WithValidSession(ctx context.Context, action func(context.Context, ubus.Caller) error) error {
	if s.err != nil {
		return s.err
	}
	return action(ctx, s.caller)
}

var collectedAt = time.Date(2026, 3, 1, 10, 0, 0, 400_000_000, time.UTC)

func newTestClient(t *testing.T, runner SessionRunner, opts ...Option) *Client {
	t.Helper()
	opts = append(opts, WithClock(fixedClock{now: collectedAt}))
	client, err := NewClient(runner, opts...)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return client
}

func TestFetchSnapshotTimeSeries(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"getMetrics": `{"metrics":[
			[1772359190000, 10, 20, 0, 0, 0, 0, 1000, 2000],
			[1772359195000, 100, 50, 0, 0, 0, 0, 1100, 2100],
			[1772359199000, 1]
		]}`,
		"getStatus": `{"devices":[
			{"mac":"AA:BB:CC:DD:EE:01","ip":"192.168.1.10","hostname":"laptop","total_rx_rate":600000,"total_tx_rate":500000,"total_rx_bytes":9,"total_tx_bytes":8},
			{"mac":"","ip":"192.168.1.11"}
		]}`,
	}}
	client := newTestClient(t, stubRunner{caller: caller})

	snap, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	wantTS := time.UnixMilli(1772359195000).UTC()
	if !snap.Total.Timestamp.Equal(wantTS) {
		t.Fatalf("total timestamp %v, want %v", snap.Total.Timestamp, wantTS)
	}
	if snap.Total.DownRateBytesPerSec != 100 || snap.Total.UpRateBytesPerSec != 50 || snap.Total.TotalUploadBytes != 2100 {
		t.Fatalf("unexpected total %+v", snap.Total)
	}
	if len(snap.Devices) != 1 {
		t.Fatalf("expected one device, got %d", len(snap.Devices))
	}
	dev := snap.Devices[0]
	if dev.MAC != "aa:bb:cc:dd:ee:01" || dev.Hostname != "laptop" || dev.IP != "192.168.1.10" {
		t.Fatalf("unexpected device %+v", dev)
	}
	if dev.Sample.SubjectID != dev.MAC || !dev.Sample.Timestamp.Equal(wantTS) {
		t.Fatalf("device sample not keyed to snapshot: %+v", dev.Sample)
	}
	if dev.Sample.DownRateBytesPerSec != 600000 || dev.Sample.UpRateBytesPerSec != 500000 {
		t.Fatalf("unexpected device rates %+v", dev.Sample)
	}
}

func TestFetchSnapshotZeroDevices(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"getMetrics": `{"metrics":[["all", 100, 50, 0, 0, 0, 0, 5000, 6000]]}`,
		"getStatus":  `{"devices":[]}`,
	}}
	client := newTestClient(t, stubRunner{caller: caller})

	snap, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(snap.Devices) != 0 {
		t.Fatalf("expected no devices, got %d", len(snap.Devices))
	}
	if snap.Total.SubjectID != telemetry.SubjectTotal || snap.Total.DownRateBytesPerSec != 100 || snap.Total.UpRateBytesPerSec != 50 {
		t.Fatalf("unexpected total %+v", snap.Total)
	}
	if !snap.Total.Timestamp.Equal(collectedAt.Truncate(time.Second)) {
		t.Fatalf("expected collection time truncated to second, got %v", snap.Total.Timestamp)
	}
}

func TestFetchSnapshotMACRowsOverrideStatus(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"getMetrics": `{"metrics":[["aa:bb:cc:dd:ee:02", 7, 3, 0, 0, 0, 0, 70, 30]]}`,
		"getStatus":  `{"devices":[{"mac":"AA:BB:CC:DD:EE:02","ip":"10.0.0.2","hostname":"tv","total_rx_rate":1,"total_tx_rate":1}]}`,
	}}
	client := newTestClient(t, stubRunner{caller: caller})

	snap, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got := snap.Devices[0].Sample
	if got.DownRateBytesPerSec != 7 || got.UpRateBytesPerSec != 3 || got.TotalDownloadBytes != 70 {
		t.Fatalf("metrics row not applied: %+v", got)
	}
	if snap.Total.DownRateBytesPerSec != 7 || snap.Total.UpRateBytesPerSec != 3 {
		t.Fatalf("total should sum devices without an aggregate row: %+v", snap.Total)
	}
}

func TestFetchSnapshotTimeout(t *testing.T) {
	client := newTestClient(t, stubRunner{caller: &stubCaller{block: true}}, WithCallTimeout(20*time.Millisecond))

	_, err := client.FetchSnapshot(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !fetchErr.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestFetchSnapshotAuthErrorPassesThrough(t *testing.T) {
	authErr := &ubus.AuthError{Username: "root", Reason: "invalid credentials"}
	client := newTestClient(t, stubRunner{err: authErr})

	_, err := client.FetchSnapshot(context.Background())
	var got *ubus.AuthError
	if !errors.As(err, &got) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		t.Fatalf("auth failure must not be reported as fetch error")
	}
}

func TestFetchSnapshotMalformedRow(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"getMetrics": `{"metrics":[["all", "fast", 50, 0, 0, 0, 0, 1, 2]]}`,
		"getStatus":  `{"devices":[]}`,
	}}
	client := newTestClient(t, stubRunner{caller: caller})

	_, err := client.FetchSnapshot(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Timeout() {
		t.Fatalf("expected non-timeout FetchError, got %v", err)
	}
}
