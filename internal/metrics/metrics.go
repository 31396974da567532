// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerNavigationsTotal       *prometheus.CounterVec
	crawlerNavigationDuration     *prometheus.HistogramVec
	crawlerBlocksTotal            *prometheus.CounterVec
	crawlerRecoveriesTotal        *prometheus.CounterVec
	crawlerLoginsTotal            *prometheus.CounterVec
	crawlerNotesTotal             *prometheus.CounterVec
	crawlerDownloadsTotal         *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerSessionActive          prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerNavigationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_navigations_total",
				Help: "Browser navigations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerNavigationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_navigation_duration_seconds",
				Help:    "Time spent in one navigation including retries and recovery.",
				Buckets: []float64{1, 2, 5, 10, 20, 40, 90},
			},
			[]string{"outcome"},
		)

		crawlerBlocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_blocks_total",
				Help: "Anti-automation verdicts, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerRecoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_recoveries_total",
				Help: "Recovery attempts after a block, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerLoginsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_logins_total",
				Help: "Login attempts, labeled by method and result.",
			},
			[]string{"method", "result"},
		)

		crawlerNotesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_notes_total",
				Help: "Note candidates, labeled by keyword and outcome.",
			},
			[]string{"keyword", "outcome"},
		)

		crawlerDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_downloads_total",
				Help: "Image downloads, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerSessionActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_session_active",
				Help: "1 while the browser session is usable, 0 otherwise.",
			},
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
	Init()
	return promhttp.Handler()
}

// ObserveNavigation records one Navigate call.
func ObserveNavigation(outcome string, duration time.Duration) {
	Init()
	crawlerNavigationsTotal.WithLabelValues(outcome).Inc()
	crawlerNavigationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveBlock counts a blocked verdict.
func ObserveBlock(reason string) {
	Init()
	crawlerBlocksTotal.WithLabelValues(reason).Inc()
}

// ObserveRecovery counts a recovery attempt.
func ObserveRecovery(ok bool) {
	Init()
	crawlerRecoveriesTotal.WithLabelValues(result(ok)).Inc()
}

// ObserveLogin counts a login attempt by method ("cookies" or "interactive").
func ObserveLogin(method string, ok bool) {
	Init()
	crawlerLoginsTotal.WithLabelValues(method, result(ok)).Inc()
}

// ObserveNote counts a candidate outcome such as "collected" or "irrelevant".
func ObserveNote(keyword string, outcome string) {
	Init()
	crawlerNotesTotal.WithLabelValues(keyword, outcome).Inc()
}

// ObserveDownload records one image download.
func ObserveDownload(site string, status int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerDownloadsTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// SetSessionActive flips the session gauge.
func SetSessionActive(active bool) {
	Init()
	if active {
		crawlerSessionActive.Set(1)
		return
	}
	crawlerSessionActive.Set(0)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
