// Package metrics exposes Prometheus collectors for the feed cache service.
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
	feedFetchTotal           *prometheus.CounterVec
	feedFetchDuration        *prometheus.HistogramVec
	feedItemsTotal           *prometheus.CounterVec
	cacheWritesTotal         *prometheus.CounterVec
	lockWaitSeconds          prometheus.Histogram
	headlineRunsTotal        *prometheus.CounterVec
	headlineCandidatesTotal  *prometheus.CounterVec
	llmRequestsTotal         *prometheus.CounterVec
	watcherEventsTotal       *prometheus.CounterVec
	rateLimitDelaySeconds    *prometheus.HistogramVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDurationHisto *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		feedFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcache_feed_fetch_total",
				Help: "Total number of feed fetches, labeled by outcome.",
			},
			[]string{"status"},
		)

		feedFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedcache_feed_fetch_duration_seconds",
				Help:    "Histogram of feed fetch latencies including retries, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		feedItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcache_feed_items_total",
				Help: "Total number of items parsed from feeds, labeled by site.",
			},
			[]string{"site"},
		)

		cacheWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcache_cache_writes_total",
				Help: "Total number of cache file writes, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		lockWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feedcache_lock_wait_seconds",
				Help:    "Histogram of time spent waiting for a category lock.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		)

		headlineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcache_headline_runs_total",
				Help: "Total number of headline pipeline runs, labeled by status.",
			},
			[]string{"status"},
		)

		headlineCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcache_headline_candidates_total",
				Help: "Headline candidates seen by the pipeline, labeled by stage.",
			},
			[]string{"stage"},
		)

		llmRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcache_llm_requests_total",
				Help: "Total number of language model requests, labeled by model and status.",
			},
			[]string{"model", "status"},
		)

		watcherEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcache_watcher_events_total",
				Help: "Total number of source watcher events, labeled by kind.",
			},
			[]string{"kind"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedcache_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationHisto = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one feed fetch outcome ("ok", "not_feed", "http_error",
// "network_error", "parse_error") together with its latency and item count.
func ObserveFetch(site, status string, duration time.Duration, items int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	feedFetchTotal.WithLabelValues(status).Inc()
	feedFetchDuration.WithLabelValues(sanitizedSite).Observe(duration.Seconds())
	if items > 0 {
		feedItemsTotal.WithLabelValues(sanitizedSite).Add(float64(items))
	}
}

// ObserveCacheWrite counts a page ("page") or side-car ("headlines") write.
func ObserveCacheWrite(kind string, err error) {
	Init()
	status := "ok"
	if err != nil {
		status = "error"
	}
	cacheWritesTotal.WithLabelValues(kind, status).Inc()
}

// ObserveLockWait records how long a caller queued for a category lock.
func ObserveLockWait(_ string, waited time.Duration) {
	Init()
	lockWaitSeconds.Observe(waited.Seconds())
}

// ObserveHeadlineRun counts a headline pipeline run by final status.
func ObserveHeadlineRun(status string) {
	Init()
	headlineRunsTotal.WithLabelValues(status).Inc()
}

// ObserveHeadlineCandidates adds n candidates at the given pipeline stage.
func ObserveHeadlineCandidates(stage string, n int) {
	Init()
	if n <= 0 {
		return
	}
	headlineCandidatesTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveLLMRequest counts one chat completion attempt.
func ObserveLLMRequest(model, status string) {
	Init()
	llmRequestsTotal.WithLabelValues(model, status).Inc()
}

// ObserveWatcherEvent counts a watcher event of the given kind.
func ObserveWatcherEvent(kind string) {
	Init()
	watcherEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationHisto.WithLabelValues(method, route).Observe(duration.Seconds())
}
