package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pointerguard"

var (
	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "extract", Name: "sessions_total", Help: "Sessions passed through the feature extractor by result."},
		[]string{"result"},
	)
	FeatureAlignmentMissing = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "features", Name: "alignment_missing_total", Help: "Feature columns zero-filled during reindexing."},
		[]string{"stage"},
	)
	TrainingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "model", Name: "trainings_total", Help: "Model training attempts by result."},
		[]string{"result"},
	)
	TrainingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: namespace, Subsystem: "model", Name: "training_duration_seconds", Help: "Wall time spent fitting one identity model.", Buckets: prometheus.ExponentialBuckets(0.01, 2, 14)},
	)
	ValidationMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "model", Name: "validation_auc", Help: "Out-of-bag ROC AUC of the current model."},
		[]string{"identity"},
	)
	ScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "scoring", Name: "records_total", Help: "Score records emitted by decision."},
		[]string{"identity", "decision"},
	)
	ScoringErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "scoring", Name: "errors_total", Help: "Per-vector scoring failures by reason."},
		[]string{"reason"},
	)
	AnomalyScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: namespace, Subsystem: "scoring", Name: "anomaly_score", Help: "Distribution of anomaly scores.", Buckets: prometheus.LinearBuckets(0.1, 0.1, 10)},
	)
	AlertsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "dispatched_total", Help: "Alert actions dispatched by kind and channel."},
		[]string{"kind", "channel"},
	)
	AlertsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "suppressed_total", Help: "Anomalous records swallowed by the cooldown."},
	)
	DispatchDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "dispatch_degraded_total", Help: "Dispatch attempts that fell back to a weaker channel."},
		[]string{"channel"},
	)
	MonitoredIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "scoring", Name: "monitored_identities", Help: "Identities with a running scoring loop."},
	)
)

func init() {
	for _, c := range []prometheus.Collector{
		ExtractionsTotal, FeatureAlignmentMissing,
		TrainingsTotal, TrainingDuration, ValidationMetric,
		ScoresTotal, ScoringErrors, AnomalyScore,
		AlertsDispatched, AlertsSuppressed, DispatchDegraded,
		MonitoredIdentities,
	} {
		_ = prometheus.Register(c)
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
