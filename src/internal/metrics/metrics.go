// Package metrics holds the proxy's Prometheus collectors.
//
// All methods are safe on a nil *Metrics, so components can be built without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keen_doh"

// Bind decision paths.
const (
	PathBootstrap = "bootstrap"
	PathHTTPS     = "https"
)

type Metrics struct {
	registry *prometheus.Registry

	queries         *prometheus.CounterVec
	upstreamErrors  prometheus.Counter
	upstreamLatency prometheus.Histogram
	bindDecisions   *prometheus.CounterVec
	bootstrapRuns   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "DNS queries received, by listener transport.",
		}, []string{"transport"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "DoH requests that failed.",
		}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "DoH round-trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		bindDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_decisions_total",
			Help:      "Source binding decisions, by connection path and reason.",
		}, []string{"path", "reason"}),
		bootstrapRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_resolutions_total",
			Help:      "Bootstrap resolutions of the resolver host, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.queries,
		m.upstreamErrors,
		m.upstreamLatency,
		m.bindDecisions,
		m.bootstrapRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Query(transport string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(transport).Inc()
}

// Upstream records one DoH round trip.
func (m *Metrics) Upstream(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.upstreamErrors.Inc()
		return
	}
	m.upstreamLatency.Observe(elapsed.Seconds())
}

// BindDecision counts a binding decision; reason is "none" for bound sockets.
func (m *Metrics) BindDecision(path, reason string) {
	if m == nil {
		return
	}
	m.bindDecisions.WithLabelValues(path, reason).Inc()
}

// Bootstrap counts a resolution result ("ok", "error" or "rejected").
func (m *Metrics) Bootstrap(result string) {
	if m == nil {
		return
	}
	m.bootstrapRuns.WithLabelValues(result).Inc()
}

// BindDecisionCounter returns the counter for one path/reason pair.
func (m *Metrics) BindDecisionCounter(path, reason string) prometheus.Counter {
	return m.bindDecisions.WithLabelValues(path, reason)
}
