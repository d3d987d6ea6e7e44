// Package metrics exposes the relay's Prometheus counters and gauges on
// /metrics, same promauto/promhttp idiom the teacher used for its much
// larger metrics surface — narrowed here to the messaging/delivery/
// device-fanout domain this server actually implements.
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
	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eko_relay_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
		[]string{"server_id"},
	)

	ActivitiesStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eko_relay_activities_stored_total",
			Help: "Total number of activities persisted by type",
		},
		[]string{"activity_type"}, // Create, Take, Delivered
	)

	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eko_relay_delivery_attempts_total",
			Help: "Total number of fan-out delivery attempts by outcome",
		},
		[]string{"outcome"}, // live, offline_push, offline_no_subscription
	)

	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eko_relay_delivery_latency_seconds",
			Help:    "Latency from activity persistence to fan-out attempt",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
		[]string{"delivery_type"}, // live, offline
	)

	FirstDeliveryClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eko_relay_first_delivery_claims_total",
			Help: "Total number of Delivered activities that won the first-delivery claim",
		},
		[]string{"result"}, // claimed, already_claimed
	)

	PreKeysTaken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eko_relay_prekeys_taken_total",
			Help: "Total number of one-time prekeys consumed via Take",
		},
		[]string{"result"}, // ok, exhausted
	)

	PushNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eko_relay_push_notifications_total",
			Help: "Total number of Web Push wake signals sent by outcome",
		},
		[]string{"outcome"}, // sent, failed, no_subscription, stale_removed
	)

	FederationEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eko_relay_federation_enqueued_total",
			Help: "Total number of activities enqueued for remote delivery",
		},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eko_relay_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"type", "result"}, // login/refresh/oidc, success/failure
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eko_relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eko_relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware wraps HTTP handlers with request metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordActivityStored records a persisted activity by type.
func RecordActivityStored(activityType string) {
	ActivitiesStoredTotal.WithLabelValues(activityType).Inc()
}

// RecordDeliveryAttempt records a fan-out attempt outcome.
func RecordDeliveryAttempt(outcome string) {
	DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordDeliveryLatency records delivery latency from persistence to
// fan-out attempt.
func RecordDeliveryLatency(deliveryType string, latency time.Duration) {
	DeliveryLatency.WithLabelValues(deliveryType).Observe(latency.Seconds())
}

// RecordFirstDeliveryClaim records whether a Delivered won the
// at-most-once re-broadcast claim.
func RecordFirstDeliveryClaim(claimed bool) {
	result := "already_claimed"
	if claimed {
		result = "claimed"
	}
	FirstDeliveryClaimsTotal.WithLabelValues(result).Inc()
}

// RecordPreKeyTaken records a Take outcome.
func RecordPreKeyTaken(ok bool) {
	result := "exhausted"
	if ok {
		result = "ok"
	}
	PreKeysTaken.WithLabelValues(result).Inc()
}

// RecordPushNotification records a Web Push send outcome.
func RecordPushNotification(outcome string) {
	PushNotificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordFederationEnqueued records a remote-delivery enqueue.
func RecordFederationEnqueued() {
	FederationEnqueuedTotal.Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(authType string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	AuthAttemptsTotal.WithLabelValues(authType, result).Inc()
}
