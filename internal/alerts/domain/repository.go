package alerts

import (
	"context"
	"time"
)

// RuleRepository persists alert rules.
type RuleRepository interface {
	ListEnabledRules(ctx context.Context) ([]Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id int64) (*Rule, error)
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, id int64) error
}

// EventRepository persists alert events.
type EventRepository interface {
	InsertEvent(ctx context.Context, event Event) (Event, error)
	RecentEvents(ctx context.Context, ruleID int64, subject string, since time.Time) ([]Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	GetEvent(ctx context.Context, id int64) (*Event, error)
	Acknowledge(ctx context.Context, id int64, at time.Time) (*Event, error)
	CountUnacknowledged(ctx context.Context) (int, error)
}
