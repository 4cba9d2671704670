package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	alertapp "bandix-monitor/internal/alerts/application"
	alerts "bandix-monitor/internal/alerts/domain"
	alertmemory "bandix-monitor/internal/alerts/infrastructure/memory"
	telemetry "bandix-monitor/internal/telemetry/domain"
	telemetrymemory "bandix-monitor/internal/telemetry/infrastructure/memory"
)

func TestEvaluateSamplesCommitsEvents(t *testing.T) {
	ctx := context.Background()
	store := alertmemory.NewStore()
	rule := alerts.Rule{Name: "busy", Kind: alerts.KindThresholdRate, Enabled: true, ThresholdBytesPerSec: 10}
	rule.Normalize()
	if _, err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine, err := alertapp.NewEngine(store, store, telemetrymemory.NewStore(), alertapp.WithLogger(logger))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	evaluator, err := NewEvaluator(engine)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}

	total := telemetry.Sample{SubjectID: telemetry.SubjectTotal, Timestamp: time.Now().UTC(), DownRateBytesPerSec: 20}
	if err := evaluator.EvaluateSamples(ctx, total, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	count, _ := store.CountUnacknowledged(ctx)
	if count != 1 {
		t.Fatalf("expected one event, got %d", count)
	}
}

func TestNewEvaluatorRejectsNilEngine(t *testing.T) {
	if _, err := NewEvaluator(nil); err == nil {
		t.Fatalf("expected error")
	}
}
