package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mracore_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mracore_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mracore_authz_decisions_total",
		Help: "Authorization decisions by outcome.",
	}, []string{"outcome"})

	ticketsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mracore_tickets_total",
		Help: "Number of tickets in storage.",
	})

	auditLogsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mracore_audit_logs_total",
		Help: "Number of audit log rows.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, decisionsTotal, ticketsTotal, auditLogsTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}

// instrumentedDecider counts decision outcomes around any Decider.
type instrumentedDecider struct {
	inner authz.Decider
}

func (d *instrumentedDecider) Decide(ctx context.Context, req authz.Request) (*models.Decision, error) {
	dec, err := d.inner.Decide(ctx, req)
	switch {
	case err == nil:
		decisionsTotal.WithLabelValues("allow").Inc()
	case isDenied(err):
		decisionsTotal.WithLabelValues("deny").Inc()
	default:
		decisionsTotal.WithLabelValues("failure").Inc()
	}
	return dec, err
}
