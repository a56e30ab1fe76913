// Package metrics provides Prometheus metrics collection for the botguard
// service. It defines the scoring, ingestion, model and decision feed
// metrics exposed on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Decision metrics
	Decisions        *prometheus.CounterVec // Decisions served, by outcome
	ScoreLatency     prometheus.Histogram   // End-to-end /predict latency
	SessionsReceived prometheus.Counter     // Sessions stored through /collect
	BadSessions      prometheus.Counter     // Payloads rejected as malformed

	// ML and prediction metrics
	MLPredictions      prometheus.Counter   // Total number of model predictions made
	MLFailures         prometheus.Counter   // Total number of model prediction failures
	MLModelAge         prometheus.Gauge     // Age of the current model in seconds
	MLLatency          prometheus.Histogram // Model inference latency in seconds
	MLPredictionScores prometheus.Histogram // Distribution of human probabilities
	MLTimeouts         prometheus.Counter   // Total number of inference timeouts
	MLFallbackUse      prometheus.Counter   // Predictions served by the heuristic fallback
	MLCacheHits        prometheus.Counter   // Predictions served from the cache

	// Downstream metrics
	FeedClients     prometheus.Gauge   // Connected decision feed clients
	PublishFailures prometheus.Counter // Decision events that could not be produced
	DriftAlerts     *prometheus.CounterVec

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered

	gatherer prometheus.Gatherer
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	m := &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botguard_decisions_total",
			Help: "Total number of decisions served, by outcome",
		}, []string{"decision"}),
		ScoreLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "botguard_score_duration_seconds",
			Help:    "Time to decode, extract, score and decide one session",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		SessionsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "botguard_sessions_collected_total",
			Help: "Total number of sessions stored for training",
		}),
		BadSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "botguard_bad_sessions_total",
			Help: "Total number of rejected session payloads",
		}),
		MLPredictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_predictions_total",
			Help: "Total number of ML predictions made",
		}),
		MLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_failures_total",
			Help: "Total number of ML prediction failures",
		}),
		MLModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ml_model_age_seconds",
			Help: "Age of the current ML model in seconds",
		}),
		MLLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_latency_seconds",
			Help:    "ML prediction latency in seconds (end-to-end)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		MLPredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_prediction_scores",
			Help:    "Distribution of predicted human probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		MLTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_timeouts_total",
			Help: "Total number of ML prediction timeouts",
		}),
		MLFallbackUse: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_fallback_use_total",
			Help: "Total number of times ML fallback was used",
		}),
		MLCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_cache_hits_total",
			Help: "Total number of predictions served from the cache",
		}),
		FeedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botguard_feed_clients",
			Help: "Number of connected decision feed clients",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "botguard_publish_failures_total",
			Help: "Total number of decision events that failed to publish",
		}),
		DriftAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botguard_drift_alerts_total",
			Help: "Total number of feature drift alerts, by feature and severity",
		}, []string{"feature", "severity"}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}

	if g, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// GetErrorRate returns errors per served decision, or 0 if nothing has been
// served yet.
func (m *Metrics) GetErrorRate() float64 {
	if m.gatherer == nil {
		return 0
	}

	metricFamilies, err := m.gatherer.Gather()
	if err != nil {
		return 0
	}

	var totalOps, totalErrors float64
	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "botguard_decisions_total":
			for _, metric := range mf.GetMetric() {
				totalOps += metric.GetCounter().GetValue()
			}
		case "errors_total":
			for _, metric := range mf.GetMetric() {
				totalErrors += metric.GetCounter().GetValue()
			}
		}
	}

	if totalOps == 0 {
		return 0
	}
	return totalErrors / totalOps
}
