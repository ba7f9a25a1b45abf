package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Recorder is a nil-safe set of billing counters.
type Recorder struct {
	registry  *prometheus.Registry
	tasks     *prometheus.CounterVec
	cost      *prometheus.CounterVec
	tokens    *prometheus.CounterVec
	submitted *prometheus.CounterVec
	throttled prometheus.Counter
}

func New(registry *prometheus.Registry) *Recorder {
	if registry == nil {
		return nil
	}

	r := &Recorder{
		registry: registry,
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tasks_processed_total",
				Help: "Total number of processed tasks by agent type and final status",
			},
			[]string{"agent_type", "status"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_billed_cost_total",
				Help: "Total cost billed for completed tasks by agent type",
			},
			[]string{"agent_type"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tokens_total",
				Help: "Total tokens consumed by agent type and direction",
			},
			[]string{"agent_type", "direction"},
		),
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tasks_submitted_total",
				Help: "Total number of accepted task submissions by agent type",
			},
			[]string{"agent_type"},
		),
		throttled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_tasks_throttled_total",
				Help: "Task submissions rejected by the rate limiter",
			},
		),
	}

	registry.MustRegister(r.tasks, r.cost, r.tokens, r.submitted, r.throttled)
	return r
}

func (r *Recorder) TaskSubmitted(agentType string) {
	if r != nil {
		r.submitted.WithLabelValues(agentType).Inc()
	}
}

func (r *Recorder) TaskThrottled() {
	if r != nil {
		r.throttled.Inc()
	}
}

func (r *Recorder) TaskProcessed(agentType, status string, inputTokens, outputTokens int, cost decimal.Decimal) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(agentType, status).Inc()
	r.tokens.WithLabelValues(agentType, "input").Add(float64(inputTokens))
	r.tokens.WithLabelValues(agentType, "output").Add(float64(outputTokens))
	if cost.IsPositive() {
		r.cost.WithLabelValues(agentType).Add(cost.InexactFloat64())
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
