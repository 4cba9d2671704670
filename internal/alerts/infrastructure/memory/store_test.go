package memory

import (
	"context"
	"testing"
	"time"

	alerts "bandix-monitor/internal/alerts/domain"
)

func TestRecentEventsIsStrictlyAfter(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, _ = store.InsertEvent(ctx, alerts.Event{RuleID: 1, Subject: "aa:bb", TriggeredAt: at})
	_, _ = store.InsertEvent(ctx, alerts.Event{RuleID: 1, Subject: "cc:dd", TriggeredAt: at})

	recent, _ := store.RecentEvents(ctx, 1, "aa:bb", at)
	if len(recent) != 0 {
		t.Fatalf("event at the boundary must not count, got %d", len(recent))
	}
	recent, _ = store.RecentEvents(ctx, 1, "aa:bb", at.Add(-time.Second))
	if len(recent) != 1 {
		t.Fatalf("expected 1 event, got %d", len(recent))
	}
	recent, _ = store.RecentEvents(ctx, 1, "", at.Add(-time.Second))
	if len(recent) != 2 {
		t.Fatalf("empty subject should match all, got %d", len(recent))
	}
	recent, _ = store.RecentEvents(ctx, 2, "aa:bb", at.Add(-time.Second))
	if len(recent) != 0 {
		t.Fatalf("other rule must not match")
	}
}

func TestListEventsFilters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, severity := range []alerts.Severity{alerts.SeverityInfo, alerts.SeverityCritical, alerts.SeverityCritical} {
		_, _ = store.InsertEvent(ctx, alerts.Event{
			RuleID:      int64(i%2 + 1),
			Subject:     "total",
			Kind:        alerts.KindThresholdRate,
			Severity:    severity,
			TriggeredAt: at.Add(time.Duration(i) * time.Minute),
		})
	}

	critical, _ := store.ListEvents(ctx, alerts.EventFilter{Severity: alerts.SeverityCritical})
	if len(critical) != 2 || critical[0].ID != 3 {
		t.Fatalf("unexpected critical events %+v", critical)
	}
	ranged, _ := store.ListEvents(ctx, alerts.EventFilter{From: at.Add(time.Minute), To: at.Add(2 * time.Minute)})
	if len(ranged) != 1 || ranged[0].ID != 2 {
		t.Fatalf("unexpected ranged events %+v", ranged)
	}
	limited, _ := store.ListEvents(ctx, alerts.EventFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != 3 {
		t.Fatalf("unexpected limited events %+v", limited)
	}
}

func TestRuleLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	rule, _ := store.CreateRule(ctx, alerts.Rule{Name: "a", Kind: alerts.KindThresholdRate, Enabled: true})
	_, _ = store.CreateRule(ctx, alerts.Rule{Name: "b", Kind: alerts.KindThresholdRate})

	enabled, _ := store.ListEnabledRules(ctx)
	if len(enabled) != 1 || enabled[0].ID != rule.ID {
		t.Fatalf("unexpected enabled rules %+v", enabled)
	}
	if err := store.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := store.GetRule(ctx, rule.ID)
	if err != nil || got != nil {
		t.Fatalf("expected nil after delete, got %+v %v", got, err)
	}
	if _, err := store.UpdateRule(ctx, rule); err != alerts.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
