package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	alerts "bandix-monitor/internal/alerts/domain"
)

const (
	defaultEventsTable = "alert_events"
	defaultEventLimit  = 500
)

const eventColumns = `id, rule_id, rule_name, kind, subject, triggered_at, message, severity, value,
	acknowledged, acknowledged_at`

// EventRepository is a Postgres repository for alert events.
type EventRepository struct {
	db    DBTX
	table string
}

// EventOption configures the repository.
type EventOption func(*EventRepository)

// WithEventTable overrides the default table name.
func WithEventTable(table string) EventOption {
	return func(repo *EventRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewEventRepository constructs a repository.
func NewEventRepository(db DBTX, opts ...EventOption) *EventRepository {
	repo := &EventRepository{db: db, table: defaultEventsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

func (r *EventRepository) InsertEvent(ctx context.Context, event alerts.Event) (alerts.Event, error) {
	if r == nil || r.db == nil {
		return alerts.Event{}, errors.New("alert event repo: nil db")
	}
	if event.TriggeredAt.IsZero() {
		return alerts.Event{}, errors.New("alert event repo: zero trigger time")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	rule_id, rule_name, kind, subject, triggered_at, message, severity, value, acknowledged
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, FALSE
)
RETURNING %s`, r.table, eventColumns)

	return scanEvent(r.db.QueryRowContext(ctx, query,
		event.RuleID,
		event.RuleName,
		string(event.Kind),
		event.Subject,
		event.TriggeredAt.UTC(),
		event.Message,
		string(event.Severity),
		event.Value,
	))
}

// RecentEvents returns events for the rule and subject triggered strictly
// after since.
func (r *EventRepository) RecentEvents(ctx context.Context, ruleID int64, subject string, since time.Time) ([]alerts.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert event repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE rule_id = $1 AND ($2 = '' OR subject = $2) AND triggered_at > $3
ORDER BY triggered_at DESC`, eventColumns, r.table)
	return r.query(ctx, query, ruleID, subject, since.UTC())
}

func (r *EventRepository) ListEvents(ctx context.Context, filter alerts.EventFilter) ([]alerts.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert event repo: nil db")
	}
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.RuleID != 0 {
		add("rule_id = $%d", filter.RuleID)
	}
	if filter.Subject != "" {
		add("subject = $%d", filter.Subject)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Acknowledged != nil {
		add("acknowledged = $%d", *filter.Acknowledged)
	}
	if !filter.From.IsZero() {
		add("triggered_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("triggered_at < $%d", filter.To.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT %s
FROM %s
%s
ORDER BY triggered_at DESC, id DESC
LIMIT $%d`, eventColumns, r.table, where, len(args))
	return r.query(ctx, query, args...)
}

// GetEvent loads an event by id. Missing events return nil.
func (r *EventRepository) GetEvent(ctx context.Context, id int64) (*alerts.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert event repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, eventColumns, r.table)
	event, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// Acknowledge sets the acknowledgement once; repeated calls keep the first
// time.
func (r *EventRepository) Acknowledge(ctx context.Context, id int64, at time.Time) (*alerts.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert event repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	acknowledged = TRUE,
	acknowledged_at = COALESCE(acknowledged_at, $2)
WHERE id = $1
RETURNING %s`, r.table, eventColumns)
	event, err := scanEvent(r.db.QueryRowContext(ctx, query, id, at.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, alerts.ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (r *EventRepository) CountUnacknowledged(ctx context.Context) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alert event repo: nil db")
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE acknowledged = FALSE`, r.table)
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *EventRepository) query(ctx context.Context, query string, args ...any) ([]alerts.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEvent(row rowScanner) (alerts.Event, error) {
	var event alerts.Event
	var kind, severity string
	var ackedAt sql.NullTime
	if err := row.Scan(
		&event.ID,
		&event.RuleID,
		&event.RuleName,
		&kind,
		&event.Subject,
		&event.TriggeredAt,
		&event.Message,
		&severity,
		&event.Value,
		&event.Acknowledged,
		&ackedAt,
	); err != nil {
		return alerts.Event{}, err
	}
	event.Kind = alerts.Kind(kind)
	event.Severity = alerts.Severity(severity)
	event.TriggeredAt = event.TriggeredAt.UTC()
	if ackedAt.Valid {
		ts := ackedAt.Time.UTC()
		event.AcknowledgedAt = &ts
	}
	return event, nil
}
