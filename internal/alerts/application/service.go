package application

import (
	"context"
	"errors"
	"fmt"

	alerts "bandix-monitor/internal/alerts/domain"
)

const defaultActiveLimit = 100

// Service handles rule administration and event history.
type Service struct {
	rules   alerts.RuleRepository
	events  alerts.EventRepository
	devices DeviceReader
	clock   Clock
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithServiceClock assigns a clock.
func WithServiceClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithDeviceCheck rejects device-scoped rules for unknown devices.
func WithDeviceCheck(devices DeviceReader) ServiceOption {
	return func(s *Service) {
		s.devices = devices
	}
}

// NewService constructs the admin service.
func NewService(rules alerts.RuleRepository, events alerts.EventRepository, opts ...ServiceOption) (*Service, error) {
	if rules == nil || events == nil {
		return nil, errors.New("alerts: nil repository")
	}
	service := &Service{
		rules:  rules,
		events: events,
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

func (s *Service) ListRules(ctx context.Context) ([]alerts.Rule, error) {
	return s.rules.ListRules(ctx)
}

// GetRule returns ErrNotFound for unknown ids.
func (s *Service) GetRule(ctx context.Context, id int64) (alerts.Rule, error) {
	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return alerts.Rule{}, err
	}
	if rule == nil {
		return alerts.Rule{}, alerts.ErrNotFound
	}
	return *rule, nil
}

// CreateRule validates and stores a new rule.
func (s *Service) CreateRule(ctx context.Context, rule alerts.Rule) (alerts.Rule, error) {
	rule.ID = 0
	if err := s.check(ctx, &rule); err != nil {
		return alerts.Rule{}, err
	}
	return s.rules.CreateRule(ctx, rule)
}

// UpdateRule replaces an existing rule. Events already committed keep the
// name and severity they were triggered with.
func (s *Service) UpdateRule(ctx context.Context, id int64, rule alerts.Rule) (alerts.Rule, error) {
	if _, err := s.GetRule(ctx, id); err != nil {
		return alerts.Rule{}, err
	}
	rule.ID = id
	if err := s.check(ctx, &rule); err != nil {
		return alerts.Rule{}, err
	}
	return s.rules.UpdateRule(ctx, rule)
}

func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	return s.rules.DeleteRule(ctx, id)
}

func (s *Service) check(ctx context.Context, rule *alerts.Rule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", alerts.ErrInvalidRule, err)
	}
	if rule.Scope != alerts.ScopeDevice || s.devices == nil {
		return nil
	}
	device, err := s.devices.GetDevice(ctx, *rule.DeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("%w: device %d not found", alerts.ErrInvalidRule, *rule.DeviceID)
	}
	return nil
}

func (s *Service) ListEvents(ctx context.Context, filter alerts.EventFilter) ([]alerts.Event, error) {
	return s.events.ListEvents(ctx, filter)
}

// ActiveEvents lists unacknowledged events, newest first.
func (s *Service) ActiveEvents(ctx context.Context, limit int) ([]alerts.Event, error) {
	if limit <= 0 {
		limit = defaultActiveLimit
	}
	unacked := false
	return s.events.ListEvents(ctx, alerts.EventFilter{Acknowledged: &unacked, Limit: limit})
}

// Acknowledge marks an event acknowledged. Acknowledging twice keeps the
// first acknowledgement time.
func (s *Service) Acknowledge(ctx context.Context, id int64) (alerts.Event, error) {
	event, err := s.events.Acknowledge(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return alerts.Event{}, err
	}
	if event == nil {
		return alerts.Event{}, alerts.ErrNotFound
	}
	return *event, nil
}

func (s *Service) CountUnacknowledged(ctx context.Context) (int, error) {
	return s.events.CountUnacknowledged(ctx)
}
