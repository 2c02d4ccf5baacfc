package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upb/llm-router/services/breaker"
	"github.com/upb/llm-router/services/providers"
)

const namespace = "llm_router"

// Metrics collects gateway metrics on its own registry. It satisfies the
// router's attempt observer and the breaker state-change hook.
type Metrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	attempts           *prometheus.CounterVec
	attemptDuration    *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	tokens             *prometheus.CounterVec
	cost               *prometheus.CounterVec
	chunks             *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry. Process and Go
// runtime collectors are included when withRuntime is set.
func NewMetrics(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Logical requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end latency of logical requests.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Backend attempts by outcome, including circuit skips.",
		}, []string{"backend", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_attempt_duration_seconds",
			Help:      "Latency of backend calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"backend"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit state per backend: 0 closed, 1 open, 2 half-open.",
		}, []string{"backend"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit state transitions by target state.",
		}, []string{"backend", "to"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by backends.",
		}, []string{"backend", "type"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD.",
		}, []string{"backend"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Stream chunks delivered to clients.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.requests, m.requestDuration,
		m.attempts, m.attemptDuration,
		m.breakerState, m.breakerTransitions,
		m.tokens, m.cost, m.chunks,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAttempt records one backend attempt. Circuit skips make no call, so
// they carry no latency sample.
func (m *Metrics) ObserveAttempt(backend string, outcome providers.AttemptOutcome, latency time.Duration) {
	m.attempts.WithLabelValues(backend, string(outcome)).Inc()
	if outcome != providers.OutcomeCircuitOpen {
		m.attemptDuration.WithLabelValues(backend).Observe(latency.Seconds())
	}
}

// BreakerStateChanged records a circuit transition
func (m *Metrics) BreakerStateChanged(backend string, _, to breaker.State) {
	m.breakerState.WithLabelValues(backend).Set(float64(to))
	m.breakerTransitions.WithLabelValues(backend, to.String()).Inc()
}

// InitBackend publishes a closed breaker gauge for a freshly registered backend
func (m *Metrics) InitBackend(backend string) {
	m.breakerState.WithLabelValues(backend).Set(float64(breaker.StateClosed))
}

// RecordRequest records a finished logical request
func (m *Metrics) RecordRequest(kind, outcome string, d time.Duration) {
	m.requests.WithLabelValues(kind, outcome).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordUsage adds reported token usage
func (m *Metrics) RecordUsage(backend string, usage *providers.Usage) {
	if usage == nil {
		return
	}
	m.tokens.WithLabelValues(backend, "prompt").Add(float64(usage.PromptTokens))
	m.tokens.WithLabelValues(backend, "completion").Add(float64(usage.CompletionTokens))
}

// RecordCost adds spend in USD. Negative amounts are ignored.
func (m *Metrics) RecordCost(backend string, usd float64) {
	if usd <= 0 {
		return
	}
	m.cost.WithLabelValues(backend).Add(usd)
}

// RecordChunk counts one delivered stream chunk
func (m *Metrics) RecordChunk(t providers.ChunkType) {
	m.chunks.WithLabelValues(string(t)).Inc()
}
