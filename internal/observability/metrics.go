package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harvestry",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "harvestry",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	TaskOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harvestry",
			Name:      "task_operations_total",
			Help:      "Task lifecycle operations by outcome (ok, gated, blocked, denied).",
		},
		[]string{"operation", "outcome"},
	)

	NotificationsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harvestry",
			Name:      "notifications_enqueued_total",
			Help:      "Notification requests enqueued for delivery.",
		},
		[]string{"type"},
	)

	NotificationsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harvestry",
			Name:      "notifications_delivered_total",
			Help:      "Notifications delivered successfully.",
		},
		[]string{"type"},
	)

	NotificationDeliveriesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harvestry",
			Name:      "notification_deliveries_failed_total",
			Help:      "Failed delivery attempts by reason (retryable, permanent, exhausted).",
		},
		[]string{"type", "reason"},
	)

	NotificationDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "harvestry",
			Name:      "notification_delivery_duration_seconds",
			Help:      "Notification delivery attempt duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func RegisterMetrics() {
	// MustRegister is safe to call once; if tests call multiple times, use Register and ignore errors.
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TaskOperationsTotal,
		NotificationsEnqueuedTotal,
		NotificationsDeliveredTotal,
		NotificationDeliveriesFailedTotal,
		NotificationDeliveryDuration,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records basic HTTP request metrics.
func HTTPMetricsMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			route := routeName(r)
			method := r.Method
			status := strconv.Itoa(rec.status)

			HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
			HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		})
	}
}
