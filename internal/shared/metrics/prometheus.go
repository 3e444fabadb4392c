package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Referral lifecycle
	referralsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referrals_created_total",
			Help: "Total number of referrals created",
		},
		[]string{"urgency", "kind"},
	)

	referralTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_transitions_total",
			Help: "Referral transition attempts by target status and outcome",
		},
		[]string{"to_status", "applied"},
	)

	referralEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_escalations_total",
			Help: "Escalation attempts by outcome",
		},
		[]string{"outcome"},
	)

	referralDeadlineLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "referral_deadline_lag_seconds",
			Help:    "Delay between a referral deadline and its expiry being processed",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 30},
		},
	)

	referralTimersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "referral_timers_armed",
			Help: "Number of deadline timers currently armed",
		},
	)

	// Notification fan-out
	notificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Referral notifications published by type",
		},
		[]string{"type"},
	)

	notificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications dropped because a subscriber buffer was full or a sink failed",
		},
		[]string{"reason"},
	)

	notificationSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_subscribers",
			Help: "Number of live notification subscriptions",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// routePattern labels requests by their chi route template to bound cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	if len(r.URL.Path) > 100 {
		return "/api/..."
	}
	return r.URL.Path
}

// --- Referral metric helpers ---

// RecordReferralCreated counts a new referral. kind is "root" or "escalation".
func RecordReferralCreated(urgency, kind string) {
	referralsCreated.WithLabelValues(urgency, kind).Inc()
}

// RecordTransition counts a compare-and-set attempt.
func RecordTransition(toStatus string, applied bool) {
	referralTransitions.WithLabelValues(toStatus, strconv.FormatBool(applied)).Inc()
}

// RecordEscalation counts an escalation outcome: escalated, no_candidate,
// auto_escalate_disabled, already_handled or failed.
func RecordEscalation(outcome string) {
	referralEscalations.WithLabelValues(outcome).Inc()
}

// RecordDeadlineLag observes how late an expiry ran.
func RecordDeadlineLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	referralDeadlineLag.Observe(lag.Seconds())
}

// SetTimersArmed reports the number of armed deadline timers.
func SetTimersArmed(n int) {
	referralTimersArmed.Set(float64(n))
}

func RecordNotificationPublished(eventType string) {
	notificationsPublished.WithLabelValues(eventType).Inc()
}

// RecordNotificationDropped counts a lost notification. reason is
// "subscriber_full" or the failing sink name.
func RecordNotificationDropped(reason string) {
	notificationsDropped.WithLabelValues(reason).Inc()
}

func SetNotificationSubscribers(n int) {
	notificationSubscribers.Set(float64(n))
}
