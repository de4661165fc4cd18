// Package metrics exposes Prometheus collectors for the booth crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

var (
	jobsTotal                  *prometheus.CounterVec
	webhookEventsTotal         *prometheus.CounterVec
	providerRequestsTotal      *prometheus.CounterVec
	pagesArchivedTotal         *prometheus.CounterVec
	bytesArchivedTotal         *prometheus.CounterVec
	ingestCandidatesTotal      *prometheus.CounterVec
	dedupMergedTotal           prometheus.Counter
	dedupPassDurationSeconds   prometheus.Histogram
	qualityScore               prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	staleJobs                  prometheus.Gauge
	reconcileActionsTotal      *prometheus.CounterVec
	robotsFallbacksTotal       *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booths_jobs_total",
				Help: "Crawl jobs reaching a status, labeled by status.",
			},
			[]string{"status"},
		)
		webhookEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booths_webhook_events_total",
				Help: "Provider webhook events, labeled by type and outcome.",
			},
			[]string{"type", "outcome"},
		)
		providerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booths_provider_requests_total",
				Help: "Calls to the crawl provider, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)
		pagesArchivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booths_pages_archived_total",
				Help: "Raw pages archived, labeled by site.",
			},
			[]string{"site"},
		)
		bytesArchivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booths_bytes_archived_total",
				Help: "Bytes of raw pages archived, labeled by site.",
			},
			[]string{"site"},
		)
		ingestCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booths_ingest_candidates_total",
				Help: "Candidates reconciled into the canonical store, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		dedupMergedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "booths_dedup_merged_total",
				Help: "Duplicate entities removed by merges.",
			},
		)
		dedupPassDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "booths_dedup_pass_duration_seconds",
				Help:    "Duration of full dedup passes.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		)
		qualityScore = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "booths_quality_score",
				Help:    "Quality scores of entities touched by ingestion.",
				Buckets: prometheus.LinearBuckets(10, 10, 10),
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
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "booths_active_workers",
				Help: "Number of workers currently processing a completed crawl.",
			},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "booths_rate_limit_delays_seconds",
				Help:    "Histogram of provider rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)
		staleJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "booths_stale_jobs",
				Help: "Non-terminal jobs without progress inside the staleness window.",
			},
		)
		reconcileActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booths_reconcile_actions_total",
				Help: "Job state repairs made by reconciliation, labeled by action.",
			},
			[]string{"action"},
		)
		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booths_robots_fallbacks_total",
				Help: "robots.txt fetches that timed out and were treated as allow-all, labeled by host.",
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob counts a job reaching status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveWebhook counts a webhook event by type and outcome.
func ObserveWebhook(eventType, outcome string) {
	Init()
	webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveProviderRequest counts a provider call.
func ObserveProviderRequest(op string, err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	providerRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// ObservePageArchived records one archived page.
func ObservePageArchived(pageURL string, size int) {
	Init()
	site := crawler.Host(pageURL)
	pagesArchivedTotal.WithLabelValues(site).Inc()
	if size > 0 {
		bytesArchivedTotal.WithLabelValues(site).Add(float64(size))
	}
}

// ObserveIngest counts one reconciled candidate.
func ObserveIngest(outcome string) {
	Init()
	ingestCandidatesTotal.WithLabelValues(outcome).Inc()
}

// ObserveMerge counts entities removed by one merge.
func ObserveMerge(losers int) {
	Init()
	dedupMergedTotal.Add(float64(losers))
}

// ObserveDedupPass records a finished dedup pass.
func ObserveDedupPass(d time.Duration, _ int) {
	Init()
	dedupPassDurationSeconds.Observe(d.Seconds())
}

// ObserveQuality records an entity quality score.
func ObserveQuality(score int) {
	Init()
	qualityScore.Observe(float64(score))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
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

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// SetStaleJobs records the size of the latest stale scan.
func SetStaleJobs(n int) {
	Init()
	staleJobs.Set(float64(n))
}

// ObserveReconcile counts one reconciliation action.
func ObserveReconcile(action string) {
	Init()
	reconcileActionsTotal.WithLabelValues(action).Inc()
}

// ObserveRobotsFallback counts a robots.txt fetch given up on after retries.
func ObserveRobotsFallback(host string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(host).Inc()
}
