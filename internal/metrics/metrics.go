// Package metrics exposes the daemon's Prometheus collectors.
//
// All methods are nil-safe so components can be constructed without metrics
// in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the collectors and the registry they are registered in.
type Metrics struct {
	registry *prometheus.Registry

	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	entityPolls     *prometheus.CounterVec
	entities        prometheus.Gauge
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nestd_refresh_total",
				Help: "Upstream Nest refreshes by result.",
			},
			[]string{"result"},
		),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nestd_refresh_duration_seconds",
			Help:    "Duration of upstream Nest refreshes.",
			Buckets: prometheus.DefBuckets,
		}),
		entityPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nestd_entity_polls_total",
				Help: "Entity polls by sensor kind and result.",
			},
			[]string{"kind", "result"},
		),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nestd_entities",
			Help: "Number of registered entities.",
		}),
	}

	m.registry.MustRegister(
		m.refreshes,
		m.refreshDuration,
		m.entityPolls,
		m.entities,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRefresh records one upstream refresh.
func (m *Metrics) ObserveRefresh(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(err)).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// ObservePoll records one entity poll.
func (m *Metrics) ObservePoll(kind string, err error) {
	if m == nil {
		return
	}
	m.entityPolls.WithLabelValues(kind, result(err)).Inc()
}

// SetEntities sets the registered entity count.
func (m *Metrics) SetEntities(n int) {
	if m == nil {
		return
	}
	m.entities.Set(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
