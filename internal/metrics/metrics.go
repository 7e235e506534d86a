package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_jobs_enqueued_total",
			Help: "Total delivery jobs enqueued by class",
		},
		[]string{"class"},
	)

	dispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_attempts_total",
			Help: "Dispatch attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Provider send latency distribution",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	queueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_queue_jobs",
			Help: "Jobs currently held by the delivery queue, by state",
		},
		[]string{"state"},
	)

	providerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_provider_healthy",
			Help: "Provider health flag (1 healthy, 0 unhealthy)",
		},
		[]string{"provider"},
	)

	fallbackSelections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_provider_fallback_selections_total",
			Help: "Selections that fell back to the primary with no qualifying provider",
		},
	)

	trackingPings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tracking_pings_total",
			Help: "Inbound tracking pings by kind",
		},
		[]string{"kind"},
	)

	trackingDedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tracking_dedup_hits_total",
			Help: "Tracking pings suppressed by the dedup window, by kind",
		},
		[]string{"kind"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records a job accepted into the delivery queue
func RecordJobEnqueued(class string) {
	jobsEnqueued.WithLabelValues(class).Inc()
}

// RecordDispatchAttempt records one dispatch attempt outcome
func RecordDispatchAttempt(provider, outcome string, duration time.Duration) {
	dispatchAttempts.WithLabelValues(provider, outcome).Inc()
	dispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetQueueJobs sets the gauge for one queue state
func SetQueueJobs(state string, count int) {
	queueJobs.WithLabelValues(state).Set(float64(count))
}

// SetProviderHealthy records a provider health transition
func SetProviderHealthy(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	providerHealthy.WithLabelValues(provider).Set(v)
}

// RecordFallbackSelection counts a degraded selection
func RecordFallbackSelection() {
	fallbackSelections.Inc()
}

// RecordTrackingPing counts an inbound open or click ping
func RecordTrackingPing(kind string) {
	trackingPings.WithLabelValues(kind).Inc()
}

// RecordTrackingDedupHit counts a ping suppressed by the dedup window
func RecordTrackingDedupHit(kind string) {
	trackingDedupHits.WithLabelValues(kind).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
