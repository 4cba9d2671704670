package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	alerts "bandix-monitor/internal/alerts/domain"
	"bandix-monitor/internal/observability/metrics"
	telemetry "bandix-monitor/internal/telemetry/domain"
)

const defaultSuppressionWindow = 5 * time.Minute

// Notifier receives committed events.
type Notifier interface {
	Notify(ctx context.Context, event alerts.Event)
}

// DeviceReader resolves devices and their last sample time.
type DeviceReader interface {
	GetDevice(ctx context.Context, id int64) (*telemetry.Device, error)
	ListDevices(ctx context.Context) ([]telemetry.Device, error)
	DeviceLastSeen(ctx context.Context, id int64) (*time.Time, error)
}

// RateReader averages stored rates.
type RateReader interface {
	AverageRate(ctx context.Context, subjectID string, since time.Time) (*telemetry.RateAverage, error)
}

// WindowSource supplies the suppression window; it is read every evaluation.
type WindowSource interface {
	SuppressionWindow() time.Duration
}

// FixedWindow is a WindowSource that never changes.
type FixedWindow time.Duration

func (w FixedWindow) SuppressionWindow() time.Duration { return time.Duration(w) }

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Engine turns fresh samples into suppressed, severity-tagged alert events.
type Engine struct {
	rules    alerts.RuleRepository
	events   alerts.EventRepository
	devices  DeviceReader
	rates    RateReader
	window   WindowSource
	notifier Notifier
	clock    Clock
	logger   logrus.FieldLogger
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithNotifier assigns a notifier.
func WithNotifier(notifier Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithRateReader enables average evaluation.
func WithRateReader(rates RateReader) EngineOption {
	return func(e *Engine) {
		e.rates = rates
	}
}

func WithWindowSource(window WindowSource) EngineOption {
	return func(e *Engine) {
		if window != nil {
			e.window = window
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithLogger(logger logrus.FieldLogger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs an alert engine.
func NewEngine(rules alerts.RuleRepository, events alerts.EventRepository, devices DeviceReader, opts ...EngineOption) (*Engine, error) {
	if rules == nil || events == nil {
		return nil, errors.New("alerts: nil repository")
	}
	if devices == nil {
		return nil, errors.New("alerts: nil device reader")
	}
	engine := &Engine{
		rules:   rules,
		events:  events,
		devices: devices,
		window:  FixedWindow(defaultSuppressionWindow),
		clock:   systemClock{},
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

type candidate struct {
	subject string
	value   float64
	message string
}

// Evaluate runs every enabled rule against the fresh samples and returns the
// committed events. A failing rule is logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, total telemetry.Sample, devices []telemetry.DeviceSample) ([]alerts.Event, error) {
	if e == nil {
		return nil, errors.New("alerts: nil engine")
	}
	rules, err := e.rules.ListEnabledRules(ctx)
	if err != nil {
		return nil, &alerts.StoreError{Op: "list enabled rules", Err: err}
	}

	now := e.clock.Now().UTC()
	window := e.window.SuppressionWindow()
	if window <= 0 {
		window = defaultSuppressionWindow
	}

	var committed []alerts.Event
	for _, rule := range rules {
		if ctx.Err() != nil {
			return committed, ctx.Err()
		}
		events, err := e.evaluateRule(ctx, rule, now, window, total, devices)
		committed = append(committed, events...)
		e.notify(ctx, events)
		if err != nil {
			metrics.IncAlertRuleError(string(rule.Kind))
			e.logger.WithFields(logrus.Fields{
				"rule_id": rule.ID,
				"rule":    rule.Name,
				"kind":    rule.Kind,
				"at":      now,
				"err":     err,
			}).Error("alert rule evaluation failed")
		}
	}

	return committed, nil
}

// notify runs as soon as a rule's events are stored. Suppression keeps a
// stored event from being committed again, so an event must not wait on the
// remaining rules to be announced.
func (e *Engine) notify(ctx context.Context, events []alerts.Event) {
	if e.notifier == nil {
		return
	}
	for _, event := range events {
		e.notifier.Notify(ctx, event)
	}
}

func (e *Engine) evaluateRule(ctx context.Context, rule alerts.Rule, now time.Time, window time.Duration, total telemetry.Sample, devices []telemetry.DeviceSample) ([]alerts.Event, error) {
	// Rules may be written straight to the store with empty optional columns.
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return nil, &alerts.RuleEvaluationError{RuleID: rule.ID, Reason: "invalid rule", Err: err}
	}

	var (
		candidates []candidate
		err        error
	)
	switch rule.Kind {
	case alerts.KindThresholdRate:
		candidates, err = e.thresholdCandidates(ctx, rule, now, total, devices)
	case alerts.KindDeviceOffline:
		candidates, err = e.offlineCandidates(ctx, rule, now)
	}
	if err != nil {
		return nil, err
	}

	var committed []alerts.Event
	for _, c := range candidates {
		event, ok, err := e.commit(ctx, rule, c, now, window)
		if err != nil {
			return committed, err
		}
		if ok {
			committed = append(committed, event)
		}
	}
	return committed, nil
}

// commit stores the candidate unless an event for the same rule and subject
// was triggered within the window.
func (e *Engine) commit(ctx context.Context, rule alerts.Rule, c candidate, now time.Time, window time.Duration) (alerts.Event, bool, error) {
	recent, err := e.events.RecentEvents(ctx, rule.ID, c.subject, now.Add(-window))
	if err != nil {
		return alerts.Event{}, false, &alerts.StoreError{Op: "recent events", RuleID: rule.ID, Err: err}
	}
	if len(recent) > 0 {
		metrics.IncAlertEvent(metrics.AlertOutcomeSuppressed, string(rule.Severity))
		return alerts.Event{}, false, nil
	}

	event, err := e.events.InsertEvent(ctx, alerts.Event{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Kind:        rule.Kind,
		Subject:     c.subject,
		TriggeredAt: now,
		Message:     c.message,
		Severity:    rule.Severity,
		Value:       c.value,
	})
	if err != nil {
		return alerts.Event{}, false, &alerts.StoreError{Op: "insert event", RuleID: rule.ID, Err: err}
	}
	metrics.IncAlertEvent(metrics.AlertOutcomeCommitted, string(rule.Severity))
	e.logger.WithFields(logrus.Fields{
		"rule_id":  rule.ID,
		"subject":  c.subject,
		"severity": rule.Severity,
		"at":       now,
	}).Info(event.Message)
	return event, true, nil
}

func (e *Engine) thresholdCandidates(ctx context.Context, rule alerts.Rule, now time.Time, total telemetry.Sample, devices []telemetry.DeviceSample) ([]candidate, error) {
	type subject struct {
		sample telemetry.Sample
		label  string
	}
	var subjects []subject
	switch rule.Scope {
	case alerts.ScopeTotal:
		if total.SubjectID != "" {
			subjects = append(subjects, subject{sample: total, label: "network total"})
		}
	case alerts.ScopeDevice:
		for _, ds := range devices {
			if ds.Device.ID == *rule.DeviceID {
				subjects = append(subjects, subject{sample: ds.Sample, label: "device " + deviceLabel(ds.Device)})
			}
		}
	case alerts.ScopeAllDevices:
		for _, ds := range devices {
			subjects = append(subjects, subject{sample: ds.Sample, label: "device " + deviceLabel(ds.Device)})
		}
	}

	var out []candidate
	for _, s := range subjects {
		value, ok, err := e.thresholdValue(ctx, rule, now, s.sample)
		if err != nil {
			return out, err
		}
		if !ok || value < float64(rule.ThresholdBytesPerSec) {
			continue
		}
		out = append(out, candidate{
			subject: s.sample.SubjectID,
			value:   value,
			message: fmt.Sprintf("%s %s traffic above threshold: %s >= %s",
				s.label, directionLabel(rule.Direction), FormatRate(value), FormatRate(float64(rule.ThresholdBytesPerSec))),
		})
	}
	return out, nil
}

func (e *Engine) thresholdValue(ctx context.Context, rule alerts.Rule, now time.Time, sample telemetry.Sample) (float64, bool, error) {
	if rule.Evaluation != alerts.EvaluationAverage {
		return directional(rule.Direction, float64(sample.DownRateBytesPerSec), float64(sample.UpRateBytesPerSec)), true, nil
	}
	if e.rates == nil {
		return 0, false, &alerts.RuleEvaluationError{RuleID: rule.ID, Reason: "average evaluation unavailable"}
	}
	avg, err := e.rates.AverageRate(ctx, sample.SubjectID, now.Add(-rule.Window()))
	if err != nil {
		return 0, false, &alerts.StoreError{Op: "average rate", RuleID: rule.ID, Err: err}
	}
	if avg == nil || avg.Samples == 0 {
		return 0, false, nil
	}
	return directional(rule.Direction, avg.Down, avg.Up), true, nil
}

func directional(direction alerts.Direction, down, up float64) float64 {
	switch direction {
	case alerts.DirectionDown:
		return down
	case alerts.DirectionUp:
		return up
	default:
		return down + up
	}
}

func directionLabel(direction alerts.Direction) string {
	switch direction {
	case alerts.DirectionDown:
		return "download"
	case alerts.DirectionUp:
		return "upload"
	default:
		return "combined"
	}
}

// offlineCandidates flags known devices whose newest sample is older than the
// rule's limit. Devices without samples are skipped.
func (e *Engine) offlineCandidates(ctx context.Context, rule alerts.Rule, now time.Time) ([]candidate, error) {
	var scope []telemetry.Device
	switch rule.Scope {
	case alerts.ScopeDevice:
		device, err := e.devices.GetDevice(ctx, *rule.DeviceID)
		if err != nil {
			return nil, &alerts.StoreError{Op: "get device", RuleID: rule.ID, Err: err}
		}
		if device == nil {
			return nil, &alerts.RuleEvaluationError{RuleID: rule.ID, Reason: fmt.Sprintf("device %d not found", *rule.DeviceID)}
		}
		scope = append(scope, *device)
	default:
		devices, err := e.devices.ListDevices(ctx)
		if err != nil {
			return nil, &alerts.StoreError{Op: "list devices", RuleID: rule.ID, Err: err}
		}
		scope = devices
	}

	limit := rule.OfflineAfter()
	var out []candidate
	for _, device := range scope {
		last, err := e.devices.DeviceLastSeen(ctx, device.ID)
		if errors.Is(err, telemetry.ErrNotFound) {
			continue
		}
		if err != nil {
			return out, &alerts.StoreError{Op: "device last seen", RuleID: rule.ID, Err: err}
		}
		if last == nil {
			continue
		}
		silent := now.Sub(*last)
		if silent <= limit {
			continue
		}
		out = append(out, candidate{
			subject: device.MACAddress,
			value:   silent.Minutes(),
			message: fmt.Sprintf("device %s offline for more than %d minutes (last active: %s)",
				deviceLabel(device), rule.OfflineMinutes, last.UTC().Format("2006-01-02 15:04:05")),
		})
	}
	return out, nil
}

func deviceLabel(device telemetry.Device) string {
	if device.DisplayName != "" && device.DisplayName != device.MACAddress {
		return fmt.Sprintf("%s (%s)", device.DisplayName, device.MACAddress)
	}
	return device.MACAddress
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(value float64) string {
	switch {
	case value < 1024:
		return fmt.Sprintf("%.0f B", value)
	case value < 1024*1024:
		return fmt.Sprintf("%.2f KB", value/1024)
	case value < 1024*1024*1024:
		return fmt.Sprintf("%.2f MB", value/(1024*1024))
	default:
		return fmt.Sprintf("%.2f GB", value/(1024*1024*1024))
	}
}

// FormatRate renders bytes per second.
func FormatRate(value float64) string {
	return FormatBytes(value) + "/s"
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
