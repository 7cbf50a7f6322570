// Package metrics exposes Prometheus collectors for the scraping service.
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
	scrapeRequestsTotal        *prometheus.CounterVec
	scrapeAttemptsTotal        *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	scrapeBytesTotal           *prometheus.CounterVec
	breakerState               *prometheus.GaugeVec
	requestQueueWaitSeconds    prometheus.Histogram
	requestQueueDepth          prometheus.Gauge
	requestsInFlight           prometheus.Gauge
	reportJobsTotal            *prometheus.CounterVec
	activeReportWorkers        prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_requests_total",
				Help: "Scrape requests served, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_attempts_total",
				Help: "Outbound attempts, labeled by proxy tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_duration_seconds",
				Help:    "End-to-end scrape latency including fallbacks, labeled by kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"kind"},
		)

		scrapeBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_bytes_total",
				Help: "Payload bytes returned, labeled by site.",
			},
			[]string{"site"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_breaker_state",
				Help: "Circuit breaker state per proxy tier (0 closed, 1 half-open, 2 open).",
			},
			[]string{"tier"},
		)

		requestQueueWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_queue_wait_seconds",
				Help:    "Time outbound calls spent queued, including pacing.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		requestQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_queue_depth",
				Help: "Outbound calls waiting for a worker.",
			},
		)

		requestsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_requests_in_flight",
				Help: "Outbound calls currently executing.",
			},
		)

		reportJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "report_jobs_total",
				Help: "Accessibility report jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeReportWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "report_active_workers",
				Help: "Number of report workers currently processing a job.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
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

// ObserveScrape records a finished scrape request.
func ObserveScrape(site, kind, outcome string, bytesReturned int, duration time.Duration) {
	Init()
	scrapeRequestsTotal.WithLabelValues(kind, outcome).Inc()
	scrapeDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	if bytesReturned > 0 {
		scrapeBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesReturned))
	}
}

// ObserveAttempt records one outbound attempt on a tier.
func ObserveAttempt(tier, outcome string) {
	Init()
	scrapeAttemptsTotal.WithLabelValues(tier, outcome).Inc()
}

// SetBreakerState exports a tier's breaker state.
func SetBreakerState(tier string, state int) {
	Init()
	breakerState.WithLabelValues(tier).Set(float64(state))
}

// ObserveRequestQueueWait records how long a call waited before starting.
func ObserveRequestQueueWait(d time.Duration) {
	Init()
	requestQueueWaitSeconds.Observe(d.Seconds())
}

// SetRequestQueueDepth exports the number of queued calls.
func SetRequestQueueDepth(n int) {
	Init()
	requestQueueDepth.Set(float64(n))
}

// IncRequestsInFlight increments the in-flight gauge.
func IncRequestsInFlight() {
	Init()
	requestsInFlight.Inc()
}

// DecRequestsInFlight decrements the in-flight gauge.
func DecRequestsInFlight() {
	Init()
	requestsInFlight.Dec()
}

// ObserveReportJob increments the job counter for the given status.
func ObserveReportJob(status string) {
	Init()
	reportJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active report workers gauge.
func IncActiveWorkers() {
	Init()
	activeReportWorkers.Inc()
}

// DecActiveWorkers decrements the active report workers gauge.
func DecActiveWorkers() {
	Init()
	activeReportWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
