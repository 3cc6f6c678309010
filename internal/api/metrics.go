package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medgate_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medgate_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	loginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medgate_logins_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	denialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medgate_gate_denials_total",
		Help: "Requests refused by the authorization gate, by error kind.",
	}, []string{"kind"})

	liveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medgate_live_sessions",
		Help: "Number of live (non-revoked, non-expired) sessions.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, loginsTotal, denialsTotal, liveSessions)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *statusRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records request metrics labelled by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rr.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
