package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	telemetry "bandix-monitor/internal/telemetry/domain"
)

const (
	defaultSamplesTable = "traffic_samples"
	defaultListLimit    = 10000
)

// SampleRepository stores traffic samples keyed by (subject_id, ts).
type SampleRepository struct {
	db    DBTX
	table string
	limit int
}

// SampleOption configures the repository.
type SampleOption func(*SampleRepository)

// WithSampleTable overrides the default table name.
func WithSampleTable(table string) SampleOption {
	return func(repo *SampleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithListLimit caps ListSamples results.
func WithListLimit(limit int) SampleOption {
	return func(repo *SampleRepository) {
		if limit > 0 {
			repo.limit = limit
		}
	}
}

// NewSampleRepository constructs a repository.
func NewSampleRepository(db DBTX, opts ...SampleOption) *SampleRepository {
	repo := &SampleRepository{db: db, table: defaultSamplesTable, limit: defaultListLimit}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// InsertSample stores a sample. An existing row for the same key is kept and
// false is returned.
func (r *SampleRepository) InsertSample(ctx context.Context, sample telemetry.Sample) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("sample repo: nil db")
	}
	if err := sample.Validate(); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	subject_id,
	ts,
	down_rate,
	up_rate,
	total_download,
	total_upload
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (subject_id, ts) DO NOTHING`, r.table)

	res, err := r.db.ExecContext(ctx, query,
		sample.SubjectID,
		sample.Timestamp.UTC(),
		sample.DownRateBytesPerSec,
		sample.UpRateBytesPerSec,
		sample.TotalDownloadBytes,
		sample.TotalUploadBytes,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// LatestSample returns the newest sample for a subject, or nil.
func (r *SampleRepository) LatestSample(ctx context.Context, subjectID string) (*telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	if subjectID == "" {
		return nil, errors.New("sample repo: empty subject")
	}

	query := fmt.Sprintf(`
SELECT subject_id, ts, down_rate, up_rate, total_download, total_upload
FROM %s
WHERE subject_id = $1
ORDER BY ts DESC
LIMIT 1`, r.table)

	sample, err := scanSample(r.db.QueryRowContext(ctx, query, subjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sample, nil
}

// ListSamples returns samples in [from, to) ordered by time. Zero bounds are
// open.
func (r *SampleRepository) ListSamples(ctx context.Context, subjectID string, from, to time.Time) ([]telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	if subjectID == "" {
		return nil, errors.New("sample repo: empty subject")
	}

	conds := []string{"subject_id = $1"}
	args := []any{subjectID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		conds = append(conds, fmt.Sprintf("ts < $%d", len(args)))
	}
	args = append(args, r.limit)

	query := fmt.Sprintf(`
SELECT subject_id, ts, down_rate, up_rate, total_download, total_upload
FROM %s
WHERE %s
ORDER BY ts ASC
LIMIT $%d`, r.table, strings.Join(conds, " AND "), len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// AverageRate averages stored rates for a subject since the given time.
func (r *SampleRepository) AverageRate(ctx context.Context, subjectID string, since time.Time) (*telemetry.RateAverage, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	if subjectID == "" {
		return nil, errors.New("sample repo: empty subject")
	}

	query := fmt.Sprintf(`
SELECT COUNT(*), COALESCE(AVG(down_rate), 0), COALESCE(AVG(up_rate), 0)
FROM %s
WHERE subject_id = $1 AND ts >= $2`, r.table)

	var avg telemetry.RateAverage
	if err := r.db.QueryRowContext(ctx, query, subjectID, since.UTC()).Scan(&avg.Samples, &avg.Down, &avg.Up); err != nil {
		return nil, err
	}
	return &avg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (telemetry.Sample, error) {
	var sample telemetry.Sample
	if err := row.Scan(
		&sample.SubjectID,
		&sample.Timestamp,
		&sample.DownRateBytesPerSec,
		&sample.UpRateBytesPerSec,
		&sample.TotalDownloadBytes,
		&sample.TotalUploadBytes,
	); err != nil {
		return telemetry.Sample{}, err
	}
	sample.Timestamp = sample.Timestamp.UTC()
	return sample, nil
}
