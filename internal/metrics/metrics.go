// Package metrics exposes Prometheus instrumentation for the proxy.
//
// All collectors live on a dedicated registry so tests can create
// independent instances. Methods are safe to call on a nil *Metrics, which
// is what callers hold when metrics are disabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lumen"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	ProxyRequests          *prometheus.CounterVec
	CacheLookups           *prometheus.CounterVec
	OriginFetchDuration    *prometheus.HistogramVec
	OriginFetchBytes       prometheus.Histogram
	AnalyticsFlushes       *prometheus.CounterVec
	AnalyticsCounterErrors prometheus.Counter
	ConfigRefreshes        *prometheus.CounterVec
	BackgroundDropped      *prometheus.CounterVec
}

// New registers all collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ProxyRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Image requests served, by request type and HTTP status",
		}, []string{"request_type", "status"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_cache_lookups_total",
			Help:      "Edge cache lookups by result (hit, miss)",
		}, []string{"result"}),
		OriginFetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_fetch_duration_seconds",
			Help:      "Origin fetch latency by outcome",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		OriginFetchBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_fetch_bytes",
			Help:      "Size of successfully fetched images in bytes",
			Buckets: []float64{
				1024,     // 1 KB
				10240,    // 10 KB
				102400,   // 100 KB
				524288,   // 512 KB
				1048576,  // 1 MB
				5242880,  // 5 MB
				10485760, // 10 MB
			},
		}),
		AnalyticsFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_flushes_total",
			Help:      "Analytics batch flushes by result (ok, error)",
		}, []string{"result"}),
		AnalyticsCounterErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_counter_errors_total",
			Help:      "Failed analytics counter increments",
		}),
		ConfigRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_refresh_total",
			Help:      "Configuration reloads from the store by result (ok, error)",
		}, []string{"result"}),
		BackgroundDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_dropped_total",
			Help:      "Background tasks rejected because the queue was full or stopping",
		}, []string{"task"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRequest(requestType string, status int) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(requestType, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveFetch matches the origin fetcher's OnFetch hook.
func (m *Metrics) ObserveFetch(outcome string, elapsed time.Duration, size int) {
	if m == nil {
		return
	}
	m.OriginFetchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome == "ok" {
		m.OriginFetchBytes.Observe(float64(size))
	}
}

func (m *Metrics) ObserveFlush(result string) {
	if m == nil {
		return
	}
	m.AnalyticsFlushes.WithLabelValues(result).Inc()
}

func (m *Metrics) IncCounterError() {
	if m == nil {
		return
	}
	m.AnalyticsCounterErrors.Inc()
}

func (m *Metrics) ObserveConfigRefresh(result string) {
	if m == nil {
		return
	}
	m.ConfigRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) IncBackgroundDropped(task string) {
	if m == nil {
		return
	}
	m.BackgroundDropped.WithLabelValues(task).Inc()
}
