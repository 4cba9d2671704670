package bandix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	telemetry "bandix-monitor/internal/telemetry/domain"
	"bandix-monitor/internal/ubus"
)

const (
	object = "luci.bandix"

	defaultCallTimeout = 5 * time.Second

	// Rows whose first column exceeds this are millisecond timestamps.
	timeSeriesThreshold = 1_000_000_000_000
	minRowColumns       = 9
)

// SessionRunner runs ubus calls with a valid session.
type SessionRunner interface {
	WithValidSession(ctx context.Context, action func(context.Context, ubus.Caller) error) error
}

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

// FetchError reports a failed snapshot read.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("bandix: %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the remote call ran out of time.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Client reads traffic telemetry from luci.bandix.
type Client struct {
	session     SessionRunner
	callTimeout time.Duration
	clock       Clock
}

// Option configures Client.
type Option func(*Client)

// WithCallTimeout bounds each remote request.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewClient constructs a bandix client.
func NewClient(session SessionRunner, opts ...Option) (*Client, error) {
	if session == nil {
		return nil, errors.New("bandix: nil session")
	}
	c := &Client{
		session:     session,
		callTimeout: defaultCallTimeout,
		clock:       systemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type metricsPayload struct {
	Metrics []json.RawMessage `json:"metrics"`
}

type statusPayload struct {
	Devices []statusDevice `json:"devices"`
}

type statusDevice struct {
	MAC          string  `json:"mac"`
	IP           string  `json:"ip"`
	Hostname     string  `json:"hostname"`
	TotalRxRate  float64 `json:"total_rx_rate"`
	TotalTxRate  float64 `json:"total_tx_rate"`
	TotalRxBytes float64 `json:"total_rx_bytes"`
	TotalTxBytes float64 `json:"total_tx_bytes"`
}

// FetchSnapshot reads aggregate and per-device traffic in one batched request.
// Authentication failures are returned as *ubus.AuthError; everything else is
// a *FetchError.
func (c *Client) FetchSnapshot(ctx context.Context) (telemetry.Snapshot, error) {
	if c == nil || c.session == nil {
		return telemetry.Snapshot{}, errors.New("bandix: nil client")
	}
	var (
		metrics metricsPayload
		status  statusPayload
	)
	err := c.session.WithValidSession(ctx, func(ctx context.Context, caller ubus.Caller) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		metrics, status = metricsPayload{}, statusPayload{}
		return caller.Batch(callCtx, []ubus.Call{
			{Object: object, Method: "getMetrics", Args: map[string]string{"mac": "all"}},
			{Object: object, Method: "getStatus", Args: map[string]any{}},
		}, []any{&metrics, &status})
	})
	if err != nil {
		var authErr *ubus.AuthError
		if errors.As(err, &authErr) {
			return telemetry.Snapshot{}, err
		}
		return telemetry.Snapshot{}, &FetchError{Op: "fetch snapshot", Err: err}
	}

	collectedAt := c.clock.Now().UTC()
	snapshot, err := buildSnapshot(collectedAt, metrics, status)
	if err != nil {
		return telemetry.Snapshot{}, &FetchError{Op: "parse snapshot", Err: err}
	}
	return snapshot, nil
}

type metricRow struct {
	key       string
	timestamp int64
	down      int64
	up        int64
	totalDown int64
	totalUp   int64
}

func buildSnapshot(collectedAt time.Time, metrics metricsPayload, status statusPayload) (telemetry.Snapshot, error) {
	rows, err := parseRows(metrics.Metrics)
	if err != nil {
		return telemetry.Snapshot{}, err
	}

	ts := collectedAt.Truncate(time.Second)
	total, byMAC := pickRows(rows)
	if total != nil && total.timestamp > 0 {
		ts = time.UnixMilli(total.timestamp).UTC()
	}

	snapshot := telemetry.Snapshot{
		CollectedAt: collectedAt,
		Devices:     make([]telemetry.DeviceReading, 0, len(status.Devices)),
	}
	var sumDown, sumUp, sumTotalDown, sumTotalUp int64
	for _, dev := range status.Devices {
		mac := telemetry.NormalizeMAC(dev.MAC)
		if mac == "" {
			continue
		}
		sample := telemetry.Sample{
			SubjectID:           mac,
			Timestamp:           ts,
			DownRateBytesPerSec: int64(dev.TotalRxRate),
			UpRateBytesPerSec:   int64(dev.TotalTxRate),
			TotalDownloadBytes:  int64(dev.TotalRxBytes),
			TotalUploadBytes:    int64(dev.TotalTxBytes),
		}
		if row, ok := byMAC[mac]; ok {
			sample.DownRateBytesPerSec = row.down
			sample.UpRateBytesPerSec = row.up
			sample.TotalDownloadBytes = row.totalDown
			sample.TotalUploadBytes = row.totalUp
		}
		if err := sample.Validate(); err != nil {
			return telemetry.Snapshot{}, fmt.Errorf("device %s: %w", mac, err)
		}
		sumDown += sample.DownRateBytesPerSec
		sumUp += sample.UpRateBytesPerSec
		sumTotalDown += sample.TotalDownloadBytes
		sumTotalUp += sample.TotalUploadBytes
		snapshot.Devices = append(snapshot.Devices, telemetry.DeviceReading{
			MAC:      mac,
			IP:       strings.TrimSpace(dev.IP),
			Hostname: strings.TrimSpace(dev.Hostname),
			Sample:   sample,
		})
	}

	snapshot.Total = telemetry.Sample{
		SubjectID:           telemetry.SubjectTotal,
		Timestamp:           ts,
		DownRateBytesPerSec: sumDown,
		UpRateBytesPerSec:   sumUp,
		TotalDownloadBytes:  sumTotalDown,
		TotalUploadBytes:    sumTotalUp,
	}
	if total != nil {
		snapshot.Total.DownRateBytesPerSec = total.down
		snapshot.Total.UpRateBytesPerSec = total.up
		snapshot.Total.TotalDownloadBytes = total.totalDown
		snapshot.Total.TotalUploadBytes = total.totalUp
	}
	if err := snapshot.Total.Validate(); err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("total: %w", err)
	}
	return snapshot, nil
}

// pickRows returns the aggregate row and the per-MAC rows. A time-series
// payload yields its last complete row as the aggregate.
func pickRows(rows []metricRow) (*metricRow, map[string]metricRow) {
	byMAC := make(map[string]metricRow)
	if len(rows) == 0 {
		return nil, byMAC
	}
	if rows[0].timestamp > 0 {
		last := rows[len(rows)-1]
		return &last, byMAC
	}
	var total *metricRow
	for i := range rows {
		row := rows[i]
		if row.key == "all" {
			if total == nil {
				total = &row
			}
			continue
		}
		if _, seen := byMAC[row.key]; !seen {
			byMAC[row.key] = row
		}
	}
	return total, byMAC
}

// parseRows keeps rows with at least nine columns. Shorter rows are skipped.
func parseRows(raw []json.RawMessage) ([]metricRow, error) {
	rows := make([]metricRow, 0, len(raw))
	for i, item := range raw {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var cols []any
		if err := dec.Decode(&cols); err != nil {
			return nil, fmt.Errorf("metrics row %d: %w", i, err)
		}
		if len(cols) < minRowColumns {
			continue
		}
		row, err := parseRow(cols)
		if err != nil {
			return nil, fmt.Errorf("metrics row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 && rows[0].timestamp > 0 {
		series := rows[:0]
		for _, row := range rows {
			if row.timestamp > 0 {
				series = append(series, row)
			}
		}
		rows = series
	}
	return rows, nil
}

func parseRow(cols []any) (metricRow, error) {
	var row metricRow
	switch head := cols[0].(type) {
	case string:
		row.key = telemetry.NormalizeMAC(head)
	case json.Number:
		v, err := head.Float64()
		if err != nil {
			return metricRow{}, err
		}
		if v <= timeSeriesThreshold {
			return metricRow{}, fmt.Errorf("unexpected leading number %v", v)
		}
		row.timestamp = int64(v)
	default:
		return metricRow{}, fmt.Errorf("unexpected leading column %T", head)
	}

	fields := []*int64{&row.down, &row.up, nil, nil, nil, nil, &row.totalDown, &row.totalUp}
	for i, dst := range fields {
		if dst == nil {
			continue
		}
		v, err := toInt64(cols[i+1])
		if err != nil {
			return metricRow{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		*dst = v
	}
	return row, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
