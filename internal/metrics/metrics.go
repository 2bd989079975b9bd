// Package metrics exports gateway events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/fedgraph/internal/eventbus"
	events "github.com/hanpama/fedgraph/internal/events"
	executor "github.com/hanpama/fedgraph/internal/executor"
	health "github.com/hanpama/fedgraph/internal/health"
)

const namespace = "fedgraph"

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	queries             *prometheus.CounterVec
	queryDuration       prometheus.Histogram
	planCache           *prometheus.CounterVec
	subgraphCalls       *prometheus.CounterVec
	subgraphDuration    *prometheus.HistogramVec
	compositions        *prometheus.CounterVec
	schemaVersion       prometheus.Gauge
	subgraphHealthy     *prometheus.GaugeVec
	healthTransitions   *prometheus.CounterVec
	invariantViolations prometheus.Counter
}

// New creates the collectors, registered together with the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests served by the gateway endpoint.",
		}, []string{"status"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queries_total",
			Help: "Client queries by outcome: ok, partial (execution errors) or failed.",
		}, []string{"outcome"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_duration_seconds",
			Help:    "Time to answer a client query.",
			Buckets: prometheus.DefBuckets,
		}),
		planCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "plan_cache_total",
			Help: "Plan cache lookups of planned queries.",
		}, []string{"result"}),
		subgraphCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subgraph_calls_total",
			Help: "Subgraph calls by subgraph, request kind and outcome.",
		}, []string{"subgraph", "kind", "outcome"}),
		subgraphDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "subgraph_call_duration_seconds",
			Help:    "Duration of subgraph calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"subgraph", "kind"}),
		compositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compositions_total",
			Help: "Composition attempts by result.",
		}, []string{"result"}),
		schemaVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "schema_version",
			Help: "Version of the schema snapshot in effect.",
		}),
		subgraphHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subgraph_healthy",
			Help: "1 when the subgraph was last observed healthy, 0 otherwise.",
		}, []string{"subgraph"}),
		healthTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_transitions_total",
			Help: "Subgraph health transitions by target state.",
		}, []string{"subgraph", "to"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "plan_invariant_violations_total",
			Help: "Plans rejected as malformed by the executor.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.queries, m.queryDuration, m.planCache,
		m.subgraphCalls, m.subgraphDuration, m.compositions, m.schemaVersion,
		m.subgraphHealthy, m.healthTransitions, m.invariantViolations,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe records gateway events until the returned function is called.
func (m *Metrics) Subscribe() (unsubscribe func()) {
	offs := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) {
			m.httpRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.QueryFinish) {
			m.queries.WithLabelValues(outcome(e.Errors)).Inc()
			m.queryDuration.Observe(e.Duration.Seconds())
			if e.Stages == 0 && len(e.Errors) > 0 {
				return
			}
			result := "miss"
			if e.PlanCached {
				result = "hit"
			}
			m.planCache.WithLabelValues(result).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.SubgraphCallFinish) {
			m.subgraphCalls.WithLabelValues(e.Subgraph, e.Kind, e.Outcome).Inc()
			m.subgraphDuration.WithLabelValues(e.Subgraph, e.Kind).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.CompositionFinished) {
			if e.Err != nil {
				m.compositions.WithLabelValues("failed").Inc()
				return
			}
			m.compositions.WithLabelValues("ok").Inc()
			m.schemaVersion.Set(float64(e.Version))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.HealthChanged) {
			v := 0.0
			if e.To == health.Healthy.String() {
				v = 1
			}
			m.subgraphHealthy.WithLabelValues(e.Subgraph).Set(v)
			m.healthTransitions.WithLabelValues(e.Subgraph, e.To).Inc()
		}),
		eventbus.Subscribe(func(context.Context, events.PlanInvariantViolation) {
			m.invariantViolations.Inc()
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func outcome(errs []error) string {
	if len(errs) == 0 {
		return "ok"
	}
	for _, err := range errs {
		var ee *executor.Error
		if !errors.As(err, &ee) {
			return "failed"
		}
	}
	return "partial"
}
