package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	alerts "bandix-monitor/internal/alerts/domain"
)

const defaultRulesTable = "alert_rules"

const ruleColumns = `id, name, kind, enabled, severity, scope, device_id, threshold_bytes_per_sec,
	direction, evaluation, window_seconds, offline_minutes, created_at, updated_at`

// RuleRepository is a Postgres repository for alert rules.
type RuleRepository struct {
	db    DBTX
	table string
}

// RuleOption configures the repository.
type RuleOption func(*RuleRepository)

// WithRuleTable overrides the default table name.
func WithRuleTable(table string) RuleOption {
	return func(repo *RuleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db DBTX, opts ...RuleOption) *RuleRepository {
	repo := &RuleRepository{db: db, table: defaultRulesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

func (r *RuleRepository) ListEnabledRules(ctx context.Context) ([]alerts.Rule, error) {
	return r.list(ctx, "WHERE enabled = TRUE")
}

func (r *RuleRepository) ListRules(ctx context.Context) ([]alerts.Rule, error) {
	return r.list(ctx, "")
}

func (r *RuleRepository) list(ctx context.Context, where string) ([]alerts.Rule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY id ASC`, ruleColumns, r.table, where)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetRule loads a rule by id. Missing rules return nil.
func (r *RuleRepository) GetRule(ctx context.Context, id int64) (*alerts.Rule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, ruleColumns, r.table)
	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func (r *RuleRepository) CreateRule(ctx context.Context, rule alerts.Rule) (alerts.Rule, error) {
	if r == nil || r.db == nil {
		return alerts.Rule{}, errors.New("alert rule repo: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	name, kind, enabled, severity, scope, device_id, threshold_bytes_per_sec,
	direction, evaluation, window_seconds, offline_minutes, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, NOW(), NOW()
)
RETURNING %s`, r.table, ruleColumns)

	return scanRule(r.db.QueryRowContext(ctx, query, ruleArgs(rule)...))
}

func (r *RuleRepository) UpdateRule(ctx context.Context, rule alerts.Rule) (alerts.Rule, error) {
	if r == nil || r.db == nil {
		return alerts.Rule{}, errors.New("alert rule repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	name = $1,
	kind = $2,
	enabled = $3,
	severity = $4,
	scope = $5,
	device_id = $6,
	threshold_bytes_per_sec = $7,
	direction = $8,
	evaluation = $9,
	window_seconds = $10,
	offline_minutes = $11,
	updated_at = NOW()
WHERE id = $12
RETURNING %s`, r.table, ruleColumns)

	args := append(ruleArgs(rule), rule.ID)
	updated, err := scanRule(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return alerts.Rule{}, alerts.ErrNotFound
		}
		return alerts.Rule{}, err
	}
	return updated, nil
}

// DeleteRule removes a rule. Events keep their frozen rule name.
func (r *RuleRepository) DeleteRule(ctx context.Context, id int64) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return alerts.ErrNotFound
	}
	return nil
}

func ruleArgs(rule alerts.Rule) []any {
	var deviceID sql.NullInt64
	if rule.DeviceID != nil {
		deviceID = sql.NullInt64{Int64: *rule.DeviceID, Valid: true}
	}
	return []any{
		rule.Name,
		string(rule.Kind),
		rule.Enabled,
		string(rule.Severity),
		string(rule.Scope),
		deviceID,
		rule.ThresholdBytesPerSec,
		string(rule.Direction),
		string(rule.Evaluation),
		rule.WindowSeconds,
		rule.OfflineMinutes,
	}
}

func scanRule(row rowScanner) (alerts.Rule, error) {
	var rule alerts.Rule
	var kind, severity, scope, direction, evaluation string
	var deviceID sql.NullInt64
	if err := row.Scan(
		&rule.ID,
		&rule.Name,
		&kind,
		&rule.Enabled,
		&severity,
		&scope,
		&deviceID,
		&rule.ThresholdBytesPerSec,
		&direction,
		&evaluation,
		&rule.WindowSeconds,
		&rule.OfflineMinutes,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return alerts.Rule{}, err
	}
	rule.Kind = alerts.Kind(kind)
	rule.Severity = alerts.Severity(severity)
	rule.Scope = alerts.Scope(scope)
	rule.Direction = alerts.Direction(direction)
	rule.Evaluation = alerts.Evaluation(evaluation)
	if deviceID.Valid {
		id := deviceID.Int64
		rule.DeviceID = &id
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return rule, nil
}
