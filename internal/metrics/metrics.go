// Package metrics exposes Kestrel's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch metrics
	ActiveRules = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kestrel_active_rules",
			Help: "Number of ACTIVE rules seen by the latest dispatch pass",
		},
		[]string{"worker"},
	)

	TransactionsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_transactions_dispatched_total",
			Help: "Total number of transactions forked by dispatch workers",
		},
	)

	EvaluationTasks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_evaluation_tasks_total",
			Help: "Total number of evaluation tasks produced by dispatch",
		},
	)

	// Aggregation metrics
	TasksDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_tasks_discarded_total",
			Help: "Total number of evaluation tasks dropped at the aggregation boundary",
		},
		[]string{"reason"}, // "rule_inactive", "stale_grouping_key", "stale_rule", "late_event", "overflow", ...
	)

	WindowsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_windows_closed_total",
			Help: "Total number of tumbling windows closed",
		},
	)

	AlertsEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_alerts_emitted_total",
			Help: "Total number of alerts produced",
		},
	)

	// Ingestion metrics
	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_records_skipped_total",
			Help: "Total number of input records skipped",
		},
		[]string{"reason"}, // "malformed_rule", "malformed_transaction", "invalid_rule", "missing_field"
	)

	RuleUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rule_updates_total",
			Help: "Total number of control updates broadcast to workers",
		},
		[]string{"kind"},
	)

	// Checkpoint metrics
	CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_checkpoint_duration_seconds",
			Help:    "Duration of checkpoints from barrier injection to durable save",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_checkpoint_failures_total",
			Help: "Total number of failed checkpoints",
		},
	)
)

// ActiveRulesGauge reports the active rule count of one dispatch worker.
type ActiveRulesGauge struct {
	gauge prometheus.Gauge
}

// NewActiveRulesGauge returns the gauge for the named worker.
func NewActiveRulesGauge(worker string) ActiveRulesGauge {
	return ActiveRulesGauge{gauge: ActiveRules.WithLabelValues(worker)}
}

// ActiveRules is called once per dispatch pass.
func (g ActiveRulesGauge) ActiveRules(n int) {
	g.gauge.Set(float64(n))
}

// EngineObserver records aggregation engine events.
type EngineObserver struct{}

func (EngineObserver) TaskDiscarded(reason string) {
	TasksDiscarded.WithLabelValues(reason).Inc()
}

func (EngineObserver) WindowClosed() {
	WindowsClosed.Inc()
}

// RecordDispatch records one dispatch pass.
func RecordDispatch(tasks int) {
	TransactionsDispatched.Inc()
	EvaluationTasks.Add(float64(tasks))
}

// RecordSkipped records one skipped input record.
func RecordSkipped(reason string) {
	RecordsSkipped.WithLabelValues(reason).Inc()
}

// RecordRuleUpdate records one broadcast control update.
func RecordRuleUpdate(kind string) {
	RuleUpdates.WithLabelValues(kind).Inc()
}

// RecordAlerts records produced alerts.
func RecordAlerts(n int) {
	if n > 0 {
		AlertsEmitted.Add(float64(n))
	}
}

// RecordCheckpoint records a checkpoint attempt.
func RecordCheckpoint(duration time.Duration, err error) {
	if err != nil {
		CheckpointFailures.Inc()
		return
	}
	CheckpointDuration.Observe(duration.Seconds())
}
