// Package metrics exposes Prometheus collectors for builds, reload broadcasts,
// connected clients and served requests. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "servn"

// Path the metrics handler is mounted at.
const Path = "/_servn/metrics"

type Metrics struct {
	registry      *prometheus.Registry
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	broadcasts    prometheus.Counter
	clients       prometheus.Gauge
	requests      *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		builds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Total number of bundle builds by result",
		}, []string{"result"}),
		buildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of successful bundle builds",
			Buckets:   prometheus.DefBuckets,
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_broadcasts_total",
			Help:      "Total number of reload broadcasts",
		}),
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reload_clients",
			Help:      "Number of connected reload clients",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP responses by status code",
		}, []string{"code"}),
	}
}

func (m *Metrics) BuildSucceeded(d time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues("success").Inc()
	m.buildDuration.Observe(d.Seconds())
}

func (m *Metrics) BuildFailed() {
	if m == nil {
		return
	}
	m.builds.WithLabelValues("error").Inc()
}

func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

func (m *Metrics) Response(code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(code).Inc()
}

// Handler serves the collected metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
