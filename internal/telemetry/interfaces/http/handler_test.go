package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	telemetry "bandix-monitor/internal/telemetry/domain"
	"bandix-monitor/internal/telemetry/infrastructure/memory"
)

type stubSnapshots struct {
	view telemetry.SnapshotView
}

func (s stubSnapshots) LatestSnapshot() telemetry.SnapshotView { return s.view }

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

var collected = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func okSnapshot() *telemetry.Snapshot {
	return &telemetry.Snapshot{
		CollectedAt: collected,
		Total:       telemetry.Sample{SubjectID: telemetry.SubjectTotal, Timestamp: collected, DownRateBytesPerSec: 100, UpRateBytesPerSec: 50},
		Devices: []telemetry.DeviceReading{{
			MAC:    "aa:bb:cc:dd:ee:01",
			Sample: telemetry.Sample{SubjectID: "aa:bb:cc:dd:ee:01", Timestamp: collected, DownRateBytesPerSec: 10},
		}},
	}
}

func newTestHandler(t *testing.T, view telemetry.SnapshotView, store *memory.Store) *Handler {
	t.Helper()
	if store == nil {
		store = memory.NewStore()
	}
	h, err := NewHandler(stubSnapshots{view: view}, store, store)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	h.clock = fixedClock(collected.Add(30 * time.Minute))
	return h
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestMonitorNoDataIs503(t *testing.T) {
	h := newTestHandler(t, telemetry.SnapshotView{Status: telemetry.SnapshotNoData, LastError: "dial tcp: refused"}, nil)
	rec := serve(h, http.MethodGet, "/api/v1/monitor")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp monitorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != telemetry.SnapshotNoData || resp.LastError == "" || resp.Total != nil {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestMonitorStaleKeepsLastData(t *testing.T) {
	view := telemetry.SnapshotView{
		Status:        telemetry.SnapshotStale,
		Snapshot:      okSnapshot(),
		LastSuccessAt: collected,
		LastAttemptAt: collected.Add(time.Minute),
		LastError:     "fetch snapshot: context deadline exceeded",
	}
	h := newTestHandler(t, view, nil)

	rec := serve(h, http.MethodGet, "/api/v1/monitor/total")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp monitorResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != telemetry.SnapshotStale || resp.Total == nil || resp.Total.DownRateBytesPerSec != 100 {
		t.Fatalf("unexpected total response %+v", resp)
	}
	if resp.Devices != nil || resp.LastSuccessAt == nil || !resp.LastSuccessAt.Equal(collected) {
		t.Fatalf("unexpected total response %+v", resp)
	}

	rec = serve(h, http.MethodGet, "/api/v1/monitor/devices")
	resp = monitorResponse{}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Total != nil || len(resp.Devices) != 1 {
		t.Fatalf("unexpected devices response %+v", resp)
	}
}

func TestDevicesAndHistory(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	if _, err := store.UpsertDevice(ctx, "AA:BB:CC:DD:EE:01", "192.168.1.2", "laptop", collected); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 3; i++ {
		at := collected.Add(time.Duration(i) * 10 * time.Minute)
		_, _ = store.InsertSample(ctx, telemetry.Sample{SubjectID: "aa:bb:cc:dd:ee:01", Timestamp: at, DownRateBytesPerSec: int64(i)})
	}
	h := newTestHandler(t, telemetry.SnapshotView{Status: telemetry.SnapshotOK, Snapshot: okSnapshot()}, store)

	rec := serve(h, http.MethodGet, "/api/v1/devices")
	var devices []telemetry.Device
	_ = json.NewDecoder(rec.Body).Decode(&devices)
	if rec.Code != http.StatusOK || len(devices) != 1 || devices[0].DisplayName != "laptop" {
		t.Fatalf("unexpected devices %d %+v", rec.Code, devices)
	}

	rec = serve(h, http.MethodGet, "/api/v1/history?subject=AA:BB:CC:DD:EE:01")
	var samples []telemetry.Sample
	_ = json.NewDecoder(rec.Body).Decode(&samples)
	if rec.Code != http.StatusOK || len(samples) != 3 {
		t.Fatalf("expected 3 samples in the default hour, got %d %+v", rec.Code, samples)
	}

	rec = serve(h, http.MethodGet, "/api/v1/history?subject=aa:bb:cc:dd:ee:01&from=2026-03-01T10:05:00Z&to=2026-03-01T10:30:00Z")
	samples = nil
	_ = json.NewDecoder(rec.Body).Decode(&samples)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples in range, got %+v", samples)
	}

	rec = serve(h, http.MethodGet, "/api/v1/history?from=yesterday")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad time, got %d", rec.Code)
	}
	rec = serve(h, http.MethodGet, "/api/v1/history?from=2026-03-01T11:00:00Z&to=2026-03-01T10:00:00Z")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", rec.Code)
	}
}

func TestMethodAndRouteChecks(t *testing.T) {
	h := newTestHandler(t, telemetry.SnapshotView{Status: telemetry.SnapshotOK, Snapshot: okSnapshot()}, nil)
	if rec := serve(h, http.MethodPost, "/api/v1/monitor"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/api/v1/monitor/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
