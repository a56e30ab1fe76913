package metrics

import "github.com/prometheus/client_golang/prometheus"

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

type MetricsHistogram interface {
	Observe(float64)
}

// MetricsWrapper exposes the metrics through the small method sets the
// predictor, scoring service and decision feed depend on.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// Metrics returns the underlying collectors.
func (w *MetricsWrapper) Metrics() *Metrics { return w.m }

func (w *MetricsWrapper) MLPredictionsInc()                   { w.m.MLPredictions.Inc() }
func (w *MetricsWrapper) MLFailuresInc()                      { w.m.MLFailures.Inc() }
func (w *MetricsWrapper) MLLatencyObserve(v float64)          { w.m.MLLatency.Observe(v) }
func (w *MetricsWrapper) MLModelAgeSet(v float64)             { w.m.MLModelAge.Set(v) }
func (w *MetricsWrapper) MLPredictionScoresObserve(v float64) { w.m.MLPredictionScores.Observe(v) }
func (w *MetricsWrapper) MLTimeoutsInc()                      { w.m.MLTimeouts.Inc() }
func (w *MetricsWrapper) MLFallbackUseInc()                   { w.m.MLFallbackUse.Inc() }
func (w *MetricsWrapper) MLCacheHitsInc()                     { w.m.MLCacheHits.Inc() }

func (w *MetricsWrapper) DecisionInc(outcome string) {
	w.m.Decisions.WithLabelValues(outcome).Inc()
}

func (w *MetricsWrapper) ScoreLatencyObserve(seconds float64) { w.m.ScoreLatency.Observe(seconds) }
func (w *MetricsWrapper) BadSessionInc()                      { w.m.BadSessions.Inc() }
func (w *MetricsWrapper) SessionCollectedInc()                { w.m.SessionsReceived.Inc() }
func (w *MetricsWrapper) PublishFailureInc()                  { w.m.PublishFailures.Inc() }
func (w *MetricsWrapper) ErrorInc()                           { w.m.ErrorsTotal.Inc() }

func (w *MetricsWrapper) DriftAlertInc(feature, severity string) {
	w.m.DriftAlerts.WithLabelValues(feature, severity).Inc()
}

// FeedClients returns the connected-clients gauge for the decision feed.
func (w *MetricsWrapper) FeedClients() MetricsGauge {
	return &GaugeWrapper{w.m.FeedClients}
}

// ScoreLatency returns the end-to-end scoring histogram.
func (w *MetricsWrapper) ScoreLatency() MetricsHistogram {
	return &HistogramWrapper{w.m.ScoreLatency}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}

type HistogramWrapper struct {
	h prometheus.Histogram
}

func (hw *HistogramWrapper) Observe(v float64) {
	hw.h.Observe(v)
}
