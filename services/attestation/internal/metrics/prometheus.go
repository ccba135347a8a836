// Package metrics exposes the attestation service's Prometheus gauges
// and counters.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the service registers.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	verifyTotal      *prometheus.CounterVec
	settleTotal      *prometheus.CounterVec
	fraudReportTotal *prometheus.CounterVec
	activeRequests   prometheus.Gauge
}

// New creates and registers the attestation service's metrics.
func New() *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attestation_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attestation_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		verifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attestation_verify_total",
				Help: "Total number of verify-attestation requests",
			},
			[]string{"result"},
		),
		settleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attestation_settle_total",
				Help: "Total number of settle-offline requests",
			},
			[]string{"result"},
		),
		fraudReportTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attestation_fraud_reports_total",
				Help: "Total number of fraud reports received",
			},
			[]string{"reason"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "attestation_active_requests",
				Help: "Number of currently active requests",
			},
		),
	}

	prometheus.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.verifyTotal,
		m.settleTotal,
		m.fraudReportTotal,
		m.activeRequests,
	)

	return m
}

// Middleware records per-request duration and count metrics.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.activeRequests.Inc()

		c.Next()

		m.activeRequests.Dec()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.requestsTotal.WithLabelValues(c.Request.Method, c.FullPath(), status).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, c.FullPath()).Observe(duration)
	}
}

// RecordVerify records a /verify-attestation outcome.
func (m *Metrics) RecordVerify(success bool) {
	m.verifyTotal.WithLabelValues(resultLabel(success)).Inc()
}

// RecordSettle records a /settle-offline outcome.
func (m *Metrics) RecordSettle(success bool) {
	m.settleTotal.WithLabelValues(resultLabel(success)).Inc()
}

// RecordFraudReport records a fraud report by reason.
func (m *Metrics) RecordFraudReport(reason string) {
	m.fraudReportTotal.WithLabelValues(reason).Inc()
}

// Handler returns the Prometheus scrape endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
