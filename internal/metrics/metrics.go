// Package metrics exposes Prometheus collectors for the discovery crawler.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	robotsFallbacksTotal       *prometheus.CounterVec
	schedulerDecisionsTotal    *prometheus.CounterVec
	dequeuesTotal              *prometheus.CounterVec
	candidatesTotal            *prometheus.CounterVec
	contentAcceptedTotal       *prometheus.CounterVec
	defaultScoredTotal         *prometheus.CounterVec
	reseedsTotal               *prometheus.CounterVec
	feedHandoffsTotal          *prometheus.CounterVec
	citationsTotal             *prometheus.CounterVec
	watchdogReleasesTotal      *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitThrottlesTotal    *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_fetches_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_robots_fallbacks_total",
				Help: "Hosts whose robots.txt was unreadable and replaced by allow-all, labeled by cause.",
			},
			[]string{"reason"},
		)

		schedulerDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_scheduler_decisions_total",
				Help: "Scheduler accept and skip decisions, labeled by reason code.",
			},
			[]string{"reason"},
		)

		dequeuesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_dequeues_total",
				Help: "Frontier dequeues, labeled by whether the URL was Wikipedia.",
			},
			[]string{"kind"},
		)

		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_candidates_total",
				Help: "Processed frontier candidates, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		contentAcceptedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_content_accepted_total",
				Help: "Accepted content items, labeled by source kind.",
			},
			[]string{"source"},
		)

		defaultScoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_default_scored_total",
				Help: "Scores that fell back to the default sentinel, labeled by stage.",
			},
			[]string{"stage"},
		)

		reseedsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_reseeds_total",
				Help: "Reseed requests, labeled by reason.",
			},
			[]string{"reason"},
		)

		feedHandoffsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_feed_handoffs_total",
				Help: "Agent feed handoffs, labeled by result.",
			},
			[]string{"result"},
		)

		citationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_wiki_citations_total",
				Help: "Processed Wikipedia citations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		watchdogReleasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_watchdog_releases_total",
				Help: "Rows released by the stuck-work watchdog, labeled by kind.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "discovery_active_workers",
				Help: "Number of workers currently processing a candidate.",
			},
		)

		rateLimitThrottlesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_rate_limit_throttles_total",
				Help: "Candidates skipped because the host had no token, labeled by domain.",
			},
			[]string{"domain"},
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

// ObserveFetch counts a fetch and its payload size.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a host whose robots.txt fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveSchedulerDecision counts one scheduler reason code.
func ObserveSchedulerDecision(reason string) {
	Init()
	schedulerDecisionsTotal.WithLabelValues(reason).Inc()
}

// ObserveDequeue counts a dequeue, split by Wikipedia or not.
func ObserveDequeue(isWiki bool) {
	Init()
	kind := "non_wiki"
	if isWiki {
		kind = "wiki"
	}
	dequeuesTotal.WithLabelValues(kind).Inc()
}

// ObserveCandidate counts a candidate outcome (done, failed, retried, skipped).
func ObserveCandidate(outcome string) {
	Init()
	candidatesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAccepted counts an accepted content item.
func ObserveAccepted(source string) {
	Init()
	contentAcceptedTotal.WithLabelValues(source).Inc()
}

// ObserveDefaultScored counts a sentinel score.
func ObserveDefaultScored(stage string) {
	Init()
	defaultScoredTotal.WithLabelValues(stage).Inc()
}

// ObserveReseed counts a reseed request.
func ObserveReseed(reason string) {
	Init()
	reseedsTotal.WithLabelValues(reason).Inc()
}

// ObserveFeedHandoff counts a feed handoff attempt.
func ObserveFeedHandoff(result string) {
	Init()
	feedHandoffsTotal.WithLabelValues(result).Inc()
}

// ObserveCitation counts a processed citation outcome.
func ObserveCitation(outcome string) {
	Init()
	citationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveWatchdogRelease adds n released rows of the given kind.
func ObserveWatchdogRelease(kind string, n int) {
	if n <= 0 {
		return
	}
	Init()
	watchdogReleasesTotal.WithLabelValues(kind).Add(float64(n))
}

// ObserveRateLimitThrottle counts a host that had no token available.
func ObserveRateLimitThrottle(domain string) {
	Init()
	rateLimitThrottlesTotal.WithLabelValues(domain).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
