package alerting

import (
	"context"
	"errors"

	alertapp "bandix-monitor/internal/alerts/application"
	telemetry "bandix-monitor/internal/telemetry/domain"
)

// Evaluator feeds freshly stored samples into the alert engine.
type Evaluator struct {
	engine *alertapp.Engine
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(engine *alertapp.Engine) (*Evaluator, error) {
	if engine == nil {
		return nil, errors.New("alert evaluator: nil engine")
	}
	return &Evaluator{engine: engine}, nil
}

// EvaluateSamples runs the engine; committed events are delivered by the
// engine's notifier.
func (e *Evaluator) EvaluateSamples(ctx context.Context, total telemetry.Sample, devices []telemetry.DeviceSample) error {
	if e == nil || e.engine == nil {
		return errors.New("alert evaluator: nil engine")
	}
	_, err := e.engine.Evaluate(ctx, total, devices)
	return err
}
