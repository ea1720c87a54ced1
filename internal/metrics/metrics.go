package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kasirinaja/settlement/internal/domain"
)

const namespace = "settlement"

// Settlement counts refund outcomes. It satisfies refund.Recorder.
type Settlement struct {
	registry       *prometheus.Registry
	settlements    *prometheus.CounterVec
	writeFailures  *prometheus.CounterVec
	sideEffectErrs *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New(env string) *Settlement {
	env = strings.TrimSpace(env)
	if env == "" {
		env = "unknown"
	}
	labels := prometheus.Labels{"environment": env}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Settlement{
		registry: reg,
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "returns_total",
			Help:        "Return settlements by kind and outcome.",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "write_failures_total",
			Help:        "Balance writes that failed and were left for reconciliation.",
			ConstLabels: labels,
		}, []string{"entity"}),
		sideEffectErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "side_effect_failures_total",
			Help:        "Side effects that failed after a return was written.",
			ConstLabels: labels,
		}, []string{"effect"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconciliations_total",
			Help:        "Checkpoints visited by reconciliation, by resulting status.",
			ConstLabels: labels,
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "http_requests_total",
			Help:        "HTTP requests by route and status code.",
			ConstLabels: labels,
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.settlements, m.writeFailures, m.sideEffectErrs, m.reconciled, m.httpRequests, m.httpDuration)
	return m
}

func (m *Settlement) SettlementFinished(kind domain.SettlementKind, outcome string) {
	k := string(kind)
	if k == "" {
		k = "none"
	}
	m.settlements.WithLabelValues(k, outcome).Inc()
}

func (m *Settlement) SettlementWriteFailed(entity string) {
	m.writeFailures.WithLabelValues(entity).Inc()
}

func (m *Settlement) SideEffectFailed(effect string) {
	m.sideEffectErrs.WithLabelValues(effect).Inc()
}

func (m *Settlement) Reconciled(outcome string) {
	m.reconciled.WithLabelValues(outcome).Inc()
}

func (m *Settlement) ObserveHTTP(method string, route string, code string, seconds float64) {
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

func (m *Settlement) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Settlement) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
