package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	telemetry "bandix-monitor/internal/telemetry/domain"
)

const (
	timeLayout     = time.RFC3339
	defaultHistory = time.Hour
	maxHistory     = 31 * 24 * time.Hour
)

// SnapshotReader exposes the latest collected snapshot.
type SnapshotReader interface {
	LatestSnapshot() telemetry.SnapshotView
}

// DeviceLister lists known devices.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]telemetry.Device, error)
}

// HistoryReader loads stored samples.
type HistoryReader interface {
	ListSamples(ctx context.Context, subjectID string, from, to time.Time) ([]telemetry.Sample, error)
}

// Clock provides time for default history ranges.
type Clock interface {
	Now() time.Time
}

// Handler serves monitor, device and history endpoints.
type Handler struct {
	snapshots SnapshotReader
	devices   DeviceLister
	history   HistoryReader
	clock     Clock
}

// NewHandler constructs a handler.
func NewHandler(snapshots SnapshotReader, devices DeviceLister, history HistoryReader) (*Handler, error) {
	if snapshots == nil {
		return nil, errors.New("telemetry handler: nil snapshot reader")
	}
	if devices == nil || history == nil {
		return nil, errors.New("telemetry handler: nil repository")
	}
	return &Handler{snapshots: snapshots, devices: devices, history: history, clock: systemClock{}}, nil
}

type monitorResponse struct {
	Status        telemetry.SnapshotStatus  `json:"status"`
	CollectedAt   *time.Time                `json:"collected_at,omitempty"`
	LastSuccessAt *time.Time                `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time                `json:"last_attempt_at,omitempty"`
	LastError     string                    `json:"last_error,omitempty"`
	Total         *telemetry.Sample         `json:"total,omitempty"`
	Devices       []telemetry.DeviceReading `json:"devices,omitempty"`
}

// ServeHTTP handles /api/v1/monitor, /api/v1/devices and /api/v1/history.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch strings.TrimSuffix(r.URL.Path, "/") {
	case "/api/v1/monitor":
		h.handleMonitor(w, true, true)
	case "/api/v1/monitor/total":
		h.handleMonitor(w, true, false)
	case "/api/v1/monitor/devices":
		h.handleMonitor(w, false, true)
	case "/api/v1/devices":
		h.handleDevices(w, r)
	case "/api/v1/history":
		h.handleHistory(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleMonitor answers 503 until the first successful collection; after
// that a failing collector is reported as stale with the last good data.
func (h *Handler) handleMonitor(w http.ResponseWriter, withTotal, withDevices bool) {
	view := h.snapshots.LatestSnapshot()
	resp := monitorResponse{
		Status:        view.Status,
		LastSuccessAt: timePtr(view.LastSuccessAt),
		LastAttemptAt: timePtr(view.LastAttemptAt),
		LastError:     view.LastError,
	}
	if view.Snapshot != nil {
		resp.CollectedAt = timePtr(view.Snapshot.CollectedAt)
		if withTotal {
			total := view.Snapshot.Total
			resp.Total = &total
		}
		if withDevices {
			resp.Devices = view.Snapshot.Devices
			if resp.Devices == nil {
				resp.Devices = []telemetry.DeviceReading{}
			}
		}
	}
	status := http.StatusOK
	if view.Status == telemetry.SnapshotNoData {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListDevices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []telemetry.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	if subject == "" {
		subject = telemetry.SubjectTotal
	} else if subject != telemetry.SubjectTotal {
		subject = telemetry.NormalizeMAC(subject)
	}
	to := h.clock.Now().UTC()
	from := to.Add(-defaultHistory)
	var err error
	if value := r.URL.Query().Get("to"); value != "" {
		if to, err = parseTime(value, "to"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		from = to.Add(-defaultHistory)
	}
	if value := r.URL.Query().Get("from"); value != "" {
		if from, err = parseTime(value, "from"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	if to.Sub(from) > maxHistory {
		http.Error(w, "range too large", http.StatusBadRequest)
		return
	}

	samples, err := h.history.ListSamples(r.Context(), subject, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func parseTime(value, key string) (time.Time, error) {
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
