package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	alerts "bandix-monitor/internal/alerts/domain"
)

const defaultEventLimit = 500

// Store keeps rules and events in process memory.
type Store struct {
	mu          sync.RWMutex
	rules       map[int64]alerts.Rule
	events      []alerts.Event
	nextRuleID  int64
	nextEventID int64
	now         func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		rules: make(map[int64]alerts.Rule),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) ListEnabledRules(ctx context.Context) ([]alerts.Rule, error) {
	return s.listRules(true), nil
}

func (s *Store) ListRules(ctx context.Context) ([]alerts.Rule, error) {
	return s.listRules(false), nil
}

func (s *Store) listRules(enabledOnly bool) []alerts.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]alerts.Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		if enabledOnly && !rule.Enabled {
			continue
		}
		result = append(result, rule)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *Store) GetRule(ctx context.Context, id int64) (*alerts.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

func (s *Store) CreateRule(ctx context.Context, rule alerts.Rule) (alerts.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRuleID++
	now := s.now()
	rule.ID = s.nextRuleID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *Store) UpdateRule(ctx context.Context, rule alerts.Rule) (alerts.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return alerts.Rule{}, alerts.ErrNotFound
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return alerts.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *Store) InsertEvent(ctx context.Context, event alerts.Event) (alerts.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	event.ID = s.nextEventID
	event.TriggeredAt = event.TriggeredAt.UTC()
	s.events = append(s.events, event)
	return event, nil
}

// RecentEvents returns events for the rule and subject triggered strictly
// after since.
func (s *Store) RecentEvents(ctx context.Context, ruleID int64, subject string, since time.Time) ([]alerts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []alerts.Event
	for _, event := range s.events {
		if event.RuleID != ruleID {
			continue
		}
		if subject != "" && event.Subject != subject {
			continue
		}
		if !event.TriggeredAt.After(since) {
			continue
		}
		result = append(result, event)
	}
	return result, nil
}

func (s *Store) ListEvents(ctx context.Context, filter alerts.EventFilter) ([]alerts.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []alerts.Event
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		event := s.events[i]
		if filter.RuleID != 0 && event.RuleID != filter.RuleID {
			continue
		}
		if filter.Subject != "" && event.Subject != filter.Subject {
			continue
		}
		if filter.Kind != "" && event.Kind != filter.Kind {
			continue
		}
		if filter.Severity != "" && event.Severity != filter.Severity {
			continue
		}
		if filter.Acknowledged != nil && event.Acknowledged != *filter.Acknowledged {
			continue
		}
		if !filter.From.IsZero() && event.TriggeredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !event.TriggeredAt.Before(filter.To) {
			continue
		}
		result = append(result, event)
	}
	return result, nil
}

func (s *Store) GetEvent(ctx context.Context, id int64) (*alerts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, event := range s.events {
		if event.ID == id {
			copied := event
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) Acknowledge(ctx context.Context, id int64, at time.Time) (*alerts.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID != id {
			continue
		}
		if !s.events[i].Acknowledged {
			ackAt := at.UTC()
			s.events[i].Acknowledged = true
			s.events[i].AcknowledgedAt = &ackAt
		}
		copied := s.events[i]
		return &copied, nil
	}
	return nil, alerts.ErrNotFound
}

func (s *Store) CountUnacknowledged(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, event := range s.events {
		if !event.Acknowledged {
			count++
		}
	}
	return count, nil
}
