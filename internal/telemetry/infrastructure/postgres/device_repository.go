package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "bandix-monitor/internal/telemetry/domain"
)

const defaultDevicesTable = "devices"

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db           DBTX
	table        string
	samplesTable string
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithDeviceSamplesTable points DeviceLastSeen at a non-default samples table.
func WithDeviceSamplesTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.samplesTable = table
		}
	}
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable, samplesTable: defaultSamplesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const deviceColumns = "id, mac, display_name, last_known_ip, first_seen_at, last_seen_at"

// UpsertDevice creates the device on first sight of a MAC, otherwise refreshes
// its IP and name. last_seen_at never moves backwards.
func (r *DeviceRepository) UpsertDevice(ctx context.Context, mac, ip, name string, seenAt time.Time) (telemetry.Device, error) {
	if r == nil || r.db == nil {
		return telemetry.Device{}, errors.New("device repo: nil db")
	}
	mac = telemetry.NormalizeMAC(mac)
	if mac == "" {
		return telemetry.Device{}, errors.New("device repo: empty mac")
	}
	if seenAt.IsZero() {
		return telemetry.Device{}, errors.New("device repo: zero seen time")
	}

	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	mac,
	display_name,
	last_known_ip,
	first_seen_at,
	last_seen_at
) VALUES (
	$1, $2, $3, $4, $4
)
ON CONFLICT (mac)
DO UPDATE SET
	display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE %[1]s.display_name END,
	last_known_ip = CASE WHEN EXCLUDED.last_known_ip <> '' THEN EXCLUDED.last_known_ip ELSE %[1]s.last_known_ip END,
	last_seen_at = GREATEST(%[1]s.last_seen_at, EXCLUDED.last_seen_at)
RETURNING %[2]s`, r.table, deviceColumns)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, mac, name, ip, seenAt.UTC()))
	if err != nil {
		return telemetry.Device{}, err
	}
	return device, nil
}

// GetDevice loads a device by id. Missing devices return nil.
func (r *DeviceRepository) GetDevice(ctx context.Context, id int64) (*telemetry.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 LIMIT 1`, deviceColumns, r.table)
	return r.getOne(ctx, query, id)
}

// GetDeviceByMAC loads a device by MAC. Missing devices return nil.
func (r *DeviceRepository) GetDeviceByMAC(ctx context.Context, mac string) (*telemetry.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	mac = telemetry.NormalizeMAC(mac)
	if mac == "" {
		return nil, errors.New("device repo: empty mac")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mac = $1 LIMIT 1`, deviceColumns, r.table)
	return r.getOne(ctx, query, mac)
}

func (r *DeviceRepository) getOne(ctx context.Context, query string, arg any) (*telemetry.Device, error) {
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// ListDevices returns all known devices ordered by id.
func (r *DeviceRepository) ListDevices(ctx context.Context) ([]telemetry.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, deviceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeviceLastSeen returns the timestamp of the device's newest sample, or nil
// when it has none.
func (r *DeviceRepository) DeviceLastSeen(ctx context.Context, id int64) (*time.Time, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT MAX(s.ts)
FROM %s d
LEFT JOIN %s s ON s.subject_id = d.mac
WHERE d.id = $1
GROUP BY d.id`, r.table, r.samplesTable)

	var last sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, telemetry.ErrNotFound
		}
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	ts := last.Time.UTC()
	return &ts, nil
}

func scanDevice(row rowScanner) (telemetry.Device, error) {
	var device telemetry.Device
	if err := row.Scan(
		&device.ID,
		&device.MACAddress,
		&device.DisplayName,
		&device.LastKnownIP,
		&device.FirstSeenAt,
		&device.LastSeenAt,
	); err != nil {
		return telemetry.Device{}, err
	}
	device.FirstSeenAt = device.FirstSeenAt.UTC()
	device.LastSeenAt = device.LastSeenAt.UTC()
	return device, nil
}
