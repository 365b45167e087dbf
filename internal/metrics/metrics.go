// Package metrics exposes Prometheus collectors for the spider host.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	threadsGranted       *prometheus.CounterVec
	threadRefusals       *prometheus.CounterVec
	threadsLive          *prometheus.GaugeVec
	threadDuration       *prometheus.HistogramVec
	threadPanics         *prometheus.CounterVec
	lifecycleTransitions *prometheus.CounterVec
	tableOps             *prometheus.CounterVec
	storeOps             *prometheus.CounterVec
	fetchPagesTotal      *prometheus.CounterVec
	fetchBytesTotal      *prometheus.CounterVec
	rateLimitDelays      *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once; every Observe helper calls it.
func Init() {
	once.Do(func() {
		threadsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_threads_granted_total",
			Help: "Thread allocations granted, labeled by spider.",
		}, []string{"spider"})

		threadRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_thread_refusals_total",
			Help: "Thread allocations refused, labeled by spider and reason.",
		}, []string{"spider", "reason"})

		threadsLive = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spiderhost_threads_live",
			Help: "Threads currently running, labeled by spider.",
		}, []string{"spider"})

		threadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spiderhost_thread_duration_seconds",
			Help:    "Wall time of finished threads, labeled by spider.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"spider"})

		threadPanics = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_thread_panics_total",
			Help: "Thread targets that panicked, labeled by spider.",
		}, []string{"spider"})

		lifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_lifecycle_transitions_total",
			Help: "Spider lifecycle transitions, labeled by the state entered.",
		}, []string{"state"})

		tableOps = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_table_ops_total",
			Help: "Tabular store operations, labeled by op and result.",
		}, []string{"op", "result"})

		storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_store_ops_total",
			Help: "Key/value store operations, labeled by op and result.",
		}, []string{"op", "result"})

		fetchPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_fetch_pages_total",
			Help: "Pages fetched by hosted spiders, labeled by site and status.",
		}, []string{"site", "status"})

		fetchBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderhost_fetch_bytes_total",
			Help: "Bytes fetched by hosted spiders, labeled by site.",
		}, []string{"site"})

		rateLimitDelays = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spiderhost_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-host rate limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"})

		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Admin API requests, labeled by method and code.",
		}, []string{"method", "code"})

		httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Admin API latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"})
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite reduces a URL to its lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveThreadGranted records a grant and bumps the live gauge.
func ObserveThreadGranted(spider string) {
	Init()
	threadsGranted.WithLabelValues(spider).Inc()
	threadsLive.WithLabelValues(spider).Inc()
}

// ObserveThreadFinished records a finished thread and drops the live gauge.
func ObserveThreadFinished(spider string, d time.Duration, panicked bool) {
	Init()
	threadsLive.WithLabelValues(spider).Dec()
	threadDuration.WithLabelValues(spider).Observe(d.Seconds())
	if panicked {
		threadPanics.WithLabelValues(spider).Inc()
	}
}

// ObserveThreadRefused records a refusal.
func ObserveThreadRefused(spider, reason string) {
	Init()
	threadRefusals.WithLabelValues(spider, reason).Inc()
}

// ObserveTransition records a lifecycle transition into state.
func ObserveTransition(state string) {
	Init()
	lifecycleTransitions.WithLabelValues(state).Inc()
}

// ObserveTableOp records a tabular store call.
func ObserveTableOp(op string, err error) {
	Init()
	tableOps.WithLabelValues(op, result(err)).Inc()
}

// ObserveStoreOp records a key/value store call.
func ObserveStoreOp(op string, err error) {
	Init()
	storeOps.WithLabelValues(op, result(err)).Inc()
}

// ObserveFetch records one page fetched by a hosted spider.
func ObserveFetch(rawURL string, status int, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchPagesTotal.WithLabelValues(site, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveFetchError records a fetch that produced no response.
func ObserveFetchError(rawURL string) {
	Init()
	fetchPagesTotal.WithLabelValues(SanitizeSite(rawURL), "error").Inc()
}

// ObserveRateLimitDelay records time spent waiting on a host limiter.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelays.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveHTTPRequest records one admin API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
