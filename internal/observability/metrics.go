package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects gateway-level Prometheus metrics.
//
// Tracked surfaces:
//   - think cycles by agent and outcome (completed|failed|skipped)
//   - inbox pushes, drains, and queue depth
//   - LLM request latency and token consumption
//   - plan firings and scheduler errors
//   - SSE subscriber counts per channel family
type Metrics struct {
	// CycleCounter counts think cycles. Labels: agent_id, outcome.
	CycleCounter *prometheus.CounterVec

	// CycleDuration measures cycle wall time in seconds. Labels: agent_id.
	CycleDuration *prometheus.HistogramVec

	// InboxPushCounter counts inbox pushes. Labels: event_type.
	InboxPushCounter *prometheus.CounterVec

	// InboxDrainSize measures events drained per cycle.
	InboxDrainSize prometheus.Histogram

	// InboxDepth gauges current fast-queue depth. Labels: agent_entity_id.
	InboxDepth *prometheus.GaugeVec

	// LLMRequestDuration measures LLM streaming call latency in seconds.
	// Labels: model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens. Labels: model, type (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// PlanFireCounter counts plan firings. Labels: status (fired|stale|error).
	PlanFireCounter *prometheus.CounterVec

	// SSESubscribers gauges live SSE subscribers. Labels: family (space|run).
	SSESubscribers *prometheus.GaugeVec

	// ErrorCounter counts errors by component and kind.
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers gateway metrics on the default registry.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics on a caller-owned registry, used by
// tests to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWith(reg)
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CycleCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cycles_total",
			Help: "Think cycles by agent and outcome.",
		}, []string{"agent_id", "outcome"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_cycle_duration_seconds",
			Help:    "Think cycle wall time.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"agent_id"}),
		InboxPushCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_inbox_pushes_total",
			Help: "Inbox events pushed by type.",
		}, []string{"event_type"}),
		InboxDrainSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_inbox_drain_size",
			Help:    "Events drained per cycle.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		InboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_inbox_depth",
			Help: "Current fast-queue depth per agent.",
		}, []string{"agent_entity_id"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_llm_request_duration_seconds",
			Help:    "LLM streaming call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_llm_tokens_total",
			Help: "Token consumption by model and type.",
		}, []string{"model", "type"}),
		PlanFireCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_plan_firings_total",
			Help: "Plan firings by status.",
		}, []string{"status"}),
		SSESubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_sse_subscribers",
			Help: "Live SSE subscribers by channel family.",
		}, []string{"family"}),
		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Errors by component and kind.",
		}, []string{"component", "kind"}),
	}
}
