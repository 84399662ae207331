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
			Name: "relaydesk_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydesk_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_webhooks_received_total",
			Help: "Inbound webhook deliveries by source and result",
		},
		[]string{"source", "result"},
	)

	messagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydesk_messages_deduplicated_total",
			Help: "Inbound messages dropped as duplicates",
		},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_jobs_processed_total",
			Help: "Queue jobs by type and terminal status",
		},
		[]string{"job_type", "status"},
	)

	jobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_jobs_retried_total",
			Help: "Queue job retry attempts by type",
		},
		[]string{"job_type"},
	)

	notificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_notifications_total",
			Help: "Notification tasks by channel and terminal status",
		},
		[]string{"channel", "status"},
	)

	billingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_billing_transitions_total",
			Help: "Subscription and invoice state transitions",
		},
		[]string{"entity", "to_status"},
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

// RecordWebhookReceived records an inbound webhook delivery
func RecordWebhookReceived(source, result string) {
	webhooksReceived.WithLabelValues(source, result).Inc()
}

// RecordMessageDeduplicated records a duplicate inbound message
func RecordMessageDeduplicated() {
	messagesDeduplicated.Inc()
}

// RecordJobProcessed records a job reaching a terminal status
func RecordJobProcessed(jobType, status string) {
	jobsProcessed.WithLabelValues(jobType, status).Inc()
}

// RecordJobRetried records a retry attempt
func RecordJobRetried(jobType string) {
	jobsRetried.WithLabelValues(jobType).Inc()
}

// RecordNotification records a notification task outcome
func RecordNotification(channel, status string) {
	notificationsDelivered.WithLabelValues(channel, status).Inc()
}

// RecordBillingTransition records a billing state-machine transition
func RecordBillingTransition(entity, toStatus string) {
	billingTransitions.WithLabelValues(entity, toStatus).Inc()
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
