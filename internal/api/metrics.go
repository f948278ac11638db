package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	meshRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthmesh_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	meshRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthmesh_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	meshDealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthmesh_deals_total",
		Help: "Escrow deals reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	meshConsentsRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "healthmesh_consents_revoked_total",
		Help: "Total consents revoked.",
	})

	meshTimeoutRefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "healthmesh_timeout_refunds_total",
		Help: "Deals refunded by the timeout sweep.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		meshRequestsTotal.WithLabelValues(method, path, status).Inc()
		meshRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordDealOutcome records a deal reaching a terminal state.
func RecordDealOutcome(outcome string) {
	meshDealsTotal.WithLabelValues(outcome).Inc()
}

// RecordConsentRevoked records a consent revocation.
func RecordConsentRevoked() {
	meshConsentsRevokedTotal.Inc()
}

// RecordTimeoutRefunds records deals refunded by one sweep pass.
func RecordTimeoutRefunds(n int) {
	meshTimeoutRefundsTotal.Add(float64(n))
}
