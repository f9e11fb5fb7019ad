package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "draftforge"

// Metrics is the pipeline's Prometheus instrumentation. A nil *Metrics is
// valid everywhere and records nothing, so tests and dry runs skip
// registration entirely.
type Metrics struct {
	eventsProcessed *prometheus.CounterVec
	eventLatency    *prometheus.HistogramVec
	inflight        *prometheus.GaugeVec
	retries         *prometheus.CounterVec
	workflows       *prometheus.CounterVec
	busDepth        prometheus.Gauge
	limiterWaits    prometheus.Counter
	cacheHits       *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_processed_total",
			Help:      "Events handled by workers, by outcome.",
		}, []string{"worker", "event_type", "outcome"}),
		eventLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "event_processing_seconds",
			Help:      "Wall-clock time spent processing one event.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"worker", "event_type"}),
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "inflight_handlers",
			Help:      "Events currently being processed, per worker.",
		}, []string{"worker"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_retries_total",
			Help:      "Events re-emitted after a retryable failure.",
		}, []string{"worker", "event_type"}),
		workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "workflows_total",
			Help:      "Workflows reaching a terminal status.",
		}, []string{"status"}),
		busDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "bus_queue_depth",
			Help:      "Events waiting on the central bus queue.",
		}),
		limiterWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ratelimit_waits_total",
			Help:      "Times an outbound call slept on the rate limiter.",
		}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generation_cache_total",
			Help:      "Generation cache lookups, by result.",
		}, []string{"result"}),
	}
}

// Outcome labels for ObserveEvent.
const (
	OutcomeOK       = "ok"
	OutcomeRetried  = "retried"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
)

// ObserveEvent records one handled event with its outcome and latency.
func (m *Metrics) ObserveEvent(worker, eventType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(worker, eventType, outcome).Inc()
	m.eventLatency.WithLabelValues(worker, eventType).Observe(seconds)
}

// HandlerStarted marks one handler entering its processing section.
func (m *Metrics) HandlerStarted(worker string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(worker).Inc()
}

// HandlerFinished marks one handler leaving its processing section.
func (m *Metrics) HandlerFinished(worker string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(worker).Dec()
}

// ObserveRetry records one retry re-emission.
func (m *Metrics) ObserveRetry(worker, eventType string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(worker, eventType).Inc()
}

// ObserveWorkflow records one workflow reaching a terminal status.
func (m *Metrics) ObserveWorkflow(status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(status).Inc()
}

// SetBusDepth reports the current central queue depth.
func (m *Metrics) SetBusDepth(depth int) {
	if m == nil {
		return
	}
	m.busDepth.Set(float64(depth))
}

// ObserveLimiterWait records one sleep on the rate limiter.
func (m *Metrics) ObserveLimiterWait() {
	if m == nil {
		return
	}
	m.limiterWaits.Inc()
}

// ObserveCache records one generation cache lookup ("hit" or "miss").
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(result).Inc()
}
