package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "bandix_"

	resultSuccess = "success"
	resultError   = "error"

	cycleResultStored  = "stored"
	cycleResultSkipped = "skipped"

	sampleResultInserted  = "inserted"
	sampleResultDuplicate = "duplicate"
)

var (
	registerOnce sync.Once

	collectionCycles   *prometheus.CounterVec
	collectionFailures *prometheus.CounterVec
	collectionLatency  *prometheus.HistogramVec
	collectionOverruns prometheus.Counter

	samplesWritten *prometheus.CounterVec

	remoteLogins         *prometheus.CounterVec
	remoteLoginLatency   prometheus.Histogram
	remoteSessionExpired prometheus.Counter

	alertEventsTotal *prometheus.CounterVec
	alertRuleErrors  *prometheus.CounterVec
	notifyTotal      *prometheus.CounterVec
)

// Init registers collector metrics and DB-backed gauges.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		collectionCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "collection_cycles_total",
				Help: "Total collection cycles by outcome",
			},
			[]string{"result"},
		)
		collectionFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "collection_failures_total",
				Help: "Total failed collection cycles by reason",
			},
			[]string{"reason"},
		)
		collectionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "collection_latency_seconds",
				Help:    "Collection cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		collectionOverruns = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "collection_overruns_total",
				Help: "Cycles that took longer than the poll interval",
			},
		)

		samplesWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_written_total",
				Help: "Sample writes by result",
			},
			[]string{"result"},
		)

		remoteLogins = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "remote_logins_total",
				Help: "Remote session logins by result",
			},
			[]string{"result"},
		)
		remoteLoginLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "remote_login_latency_seconds",
				Help:    "Remote login latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		remoteSessionExpired = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "remote_session_expired_total",
				Help: "Remote session expiries detected",
			},
		)

		alertEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Alert candidates by outcome",
			},
			[]string{"outcome", "severity"},
		)
		alertRuleErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_rule_errors_total",
				Help: "Rule evaluation failures by kind",
			},
			[]string{"kind"},
		)
		notifyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_notifications_total",
				Help: "Alert notifications by channel and result",
			},
			[]string{"channel", "result"},
		)

		prometheus.MustRegister(
			collectionCycles,
			collectionFailures,
			collectionLatency,
			collectionOverruns,
			samplesWritten,
			remoteLogins,
			remoteLoginLatency,
			remoteSessionExpired,
			alertEventsTotal,
			alertRuleErrors,
			notifyTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveCollection records one collection cycle.
func ObserveCollection(result string, duration time.Duration) {
	if result == "" {
		result = cycleResultStored
	}
	if collectionCycles != nil {
		collectionCycles.WithLabelValues(result).Inc()
	}
	if collectionLatency != nil {
		collectionLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncCollectionFailure increments the failure counter.
func IncCollectionFailure(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if collectionFailures != nil {
		collectionFailures.WithLabelValues(reason).Inc()
	}
}

func IncCollectionOverrun() {
	if collectionOverruns != nil {
		collectionOverruns.Inc()
	}
}

// AddSamples counts inserted and duplicate sample writes.
func AddSamples(inserted, duplicates int) {
	if samplesWritten == nil {
		return
	}
	if inserted > 0 {
		samplesWritten.WithLabelValues(sampleResultInserted).Add(float64(inserted))
	}
	if duplicates > 0 {
		samplesWritten.WithLabelValues(sampleResultDuplicate).Add(float64(duplicates))
	}
}

// ObserveRemoteLogin records a login attempt.
func ObserveRemoteLogin(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if remoteLogins != nil {
		remoteLogins.WithLabelValues(result).Inc()
	}
	if remoteLoginLatency != nil {
		remoteLoginLatency.Observe(duration.Seconds())
	}
}

func IncSessionExpired() {
	if remoteSessionExpired != nil {
		remoteSessionExpired.Inc()
	}
}

// IncAlertEvent counts a candidate as committed or suppressed.
func IncAlertEvent(outcome, severity string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}
	if alertEventsTotal != nil {
		alertEventsTotal.WithLabelValues(outcome, severity).Inc()
	}
}

func IncAlertRuleError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if alertRuleErrors != nil {
		alertRuleErrors.WithLabelValues(kind).Inc()
	}
}

// IncNotify counts notification deliveries.
func IncNotify(channel, result string) {
	if channel == "" {
		channel = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if notifyTotal != nil {
		notifyTotal.WithLabelValues(channel, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	CycleResultStored  = cycleResultStored
	CycleResultSkipped = cycleResultSkipped

	AlertOutcomeCommitted  = "committed"
	AlertOutcomeSuppressed = "suppressed"
)
