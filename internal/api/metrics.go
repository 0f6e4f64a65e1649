package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/citaguard/internal/csrf"
	"github.com/org/citaguard/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citaguard_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "citaguard_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	csrfRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citaguard_csrf_rejections_total",
		Help: "Requests rejected by the CSRF guard, by reason.",
	}, []string{"reason"})

	securityEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citaguard_security_events_total",
		Help: "Security events recorded, by type, severity and whether the store accepted them.",
	}, []string{"event_type", "severity", "stored"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, csrfRejections, securityEvents)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSecurityEvent counts an event. It matches audit.Logger.OnEvent.
func RecordSecurityEvent(e *models.SecurityEvent, stored bool) {
	securityEvents.WithLabelValues(string(e.EventType), string(e.Severity), strconv.FormatBool(stored)).Inc()
}

func recordCSRFRejection(_ *http.Request, err *csrf.Error) {
	csrfRejections.WithLabelValues(err.Label()).Inc()
}

// routePattern returns the matched chi pattern, which keeps label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		route := routePattern(r)
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, route, status).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}
