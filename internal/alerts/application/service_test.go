package application

import (
	"context"
	"errors"
	"testing"
	"time"

	alerts "bandix-monitor/internal/alerts/domain"
	alertmemory "bandix-monitor/internal/alerts/infrastructure/memory"
	telemetrymemory "bandix-monitor/internal/telemetry/infrastructure/memory"
)

func newTestService(t *testing.T) (*Service, *alertmemory.Store, *telemetrymemory.Store, *manualClock) {
	t.Helper()
	store := alertmemory.NewStore()
	devices := telemetrymemory.NewStore()
	clock := &manualClock{now: start}
	service, err := NewService(store, store, WithDeviceCheck(devices), WithServiceClock(clock))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return service, store, devices, clock
}

func TestServiceCreateRuleAppliesDefaults(t *testing.T) {
	service, _, _, _ := newTestService(t)
	rule, err := service.CreateRule(context.Background(), alerts.Rule{
		Name:           " offline ",
		Kind:           alerts.KindDeviceOffline,
		Enabled:        true,
		OfflineMinutes: 15,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rule.ID == 0 || rule.Name != "offline" || rule.Severity != alerts.SeverityWarning || rule.Scope != alerts.ScopeAllDevices {
		t.Fatalf("defaults not applied: %+v", rule)
	}
}

func TestServiceRejectsInvalidRules(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.CreateRule(ctx, alerts.Rule{Name: "zero", Kind: alerts.KindThresholdRate})
	if !errors.Is(err, alerts.ErrInvalidRule) {
		t.Fatalf("expected invalid rule, got %v", err)
	}

	missing := int64(99)
	_, err = service.CreateRule(ctx, alerts.Rule{
		Name:                 "unknown device",
		Kind:                 alerts.KindThresholdRate,
		Scope:                alerts.ScopeDevice,
		DeviceID:             &missing,
		ThresholdBytesPerSec: 10,
	})
	if !errors.Is(err, alerts.ErrInvalidRule) {
		t.Fatalf("expected invalid rule for unknown device, got %v", err)
	}
}

func TestServiceUpdateAndDeleteUnknownRule(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.UpdateRule(ctx, 7, alerts.Rule{Name: "x", Kind: alerts.KindThresholdRate, ThresholdBytesPerSec: 1})
	if !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if err := service.DeleteRule(ctx, 7); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
}

func TestServiceDeviceScopedRule(t *testing.T) {
	service, _, devices, _ := newTestService(t)
	ctx := context.Background()
	device, err := devices.UpsertDevice(ctx, "AA:BB:CC:DD:EE:05", "192.168.1.5", "phone", start)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id := device.ID
	rule, err := service.CreateRule(ctx, alerts.Rule{
		Name:                 "phone busy",
		Kind:                 alerts.KindThresholdRate,
		Scope:                alerts.ScopeDevice,
		DeviceID:             &id,
		ThresholdBytesPerSec: 1000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rule.ThresholdBytesPerSec = 2000
	updated, err := service.UpdateRule(ctx, rule.ID, rule)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ThresholdBytesPerSec != 2000 || !updated.CreatedAt.Equal(rule.CreatedAt) {
		t.Fatalf("unexpected update result %+v", updated)
	}

	got, err := service.GetRule(ctx, rule.ID)
	if err != nil || got.ThresholdBytesPerSec != 2000 {
		t.Fatalf("get rule: %+v %v", got, err)
	}
}

func TestServiceAcknowledgeKeepsFirstTime(t *testing.T) {
	service, store, _, clock := newTestService(t)
	ctx := context.Background()
	event, _ := store.InsertEvent(ctx, alerts.Event{RuleID: 1, Subject: "total", TriggeredAt: start, Severity: alerts.SeverityInfo})

	first, err := service.Acknowledge(ctx, event.ID)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	clock.Advance(time.Hour)
	second, err := service.Acknowledge(ctx, event.ID)
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if !second.Acknowledged || second.AcknowledgedAt == nil || !second.AcknowledgedAt.Equal(*first.AcknowledgedAt) {
		t.Fatalf("ack time moved: first=%v second=%v", first.AcknowledgedAt, second.AcknowledgedAt)
	}

	if _, err := service.Acknowledge(ctx, 404); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceActiveEventsNewestFirst(t *testing.T) {
	service, store, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = store.InsertEvent(ctx, alerts.Event{RuleID: 1, Subject: "total", TriggeredAt: start.Add(time.Duration(i) * time.Minute)})
	}
	if _, err := service.Acknowledge(ctx, 3); err != nil {
		t.Fatalf("ack: %v", err)
	}

	active, err := service.ActiveEvents(ctx, 0)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 || active[0].ID != 2 || active[1].ID != 1 {
		t.Fatalf("unexpected active events %+v", active)
	}
	count, _ := service.CountUnacknowledged(ctx)
	if count != 2 {
		t.Fatalf("expected 2 unacknowledged, got %d", count)
	}
}
