// Package metrics owns the Prometheus registry for the server: HTTP RED
// metrics plus the rate limiter, response caches and upstream APIs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/zecode-web/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	ratelimitDenied *prometheus.CounterVec
	ratelimitSweeps *prometheus.CounterVec

	cacheRequests *prometheus.CounterVec
	cacheSwept    *prometheus.CounterVec

	upstreamDur *prometheus.HistogramVec

	storesLoaded *prometheus.GaugeVec
}

// New returns a fresh registry with the Go and process collectors and all
// server metrics. Labels are bounded: route patterns, never raw paths.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 9),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests rejected by the rate limiter by route",
		}, []string{"route"}),
		ratelimitSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_swept_entries_total",
			Help: "Expired rate limit entries removed by sweeps",
		}, []string{"limiter"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Response cache lookups by cache and result (hit, miss)",
		}, []string{"cache", "result"}),
		cacheSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_swept_entries_total",
			Help: "Expired cache entries removed by sweeps",
		}, []string{"cache"}),
		upstreamDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Latency of calls to third-party APIs by service and outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"service", "outcome"}),
		storesLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stores_catalog_size",
			Help: "Number of stores in the active catalog by source",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDenied,
		m.ratelimitSweeps,
		m.cacheRequests,
		m.cacheSwept,
		m.upstreamDur,
		m.storesLoaded,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        version.AppName,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncRateLimitDenied(route string) {
	m.ratelimitDenied.WithLabelValues(route).Inc()
}

func (m *ServerMetrics) AddRateLimitSwept(limiter string, n int) {
	m.ratelimitSweeps.WithLabelValues(limiter).Add(float64(n))
}

// CacheLookup records a hit or miss for the named cache.
func (m *ServerMetrics) CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(cache, result).Inc()
}

func (m *ServerMetrics) AddCacheSwept(cache string, n int) {
	m.cacheSwept.WithLabelValues(cache).Add(float64(n))
}

// ObserveUpstream records one call to service. err decides the outcome label.
func (m *ServerMetrics) ObserveUpstream(service string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.upstreamDur.WithLabelValues(service, outcome).Observe(d.Seconds())
}

func (m *ServerMetrics) SetStoresLoaded(source string, n int) {
	m.storesLoaded.Reset()
	m.storesLoaded.WithLabelValues(source).Set(float64(n))
}
