// Package metrics exposes prometheus instruments for the quota ledger,
// served through the /metrics scrape endpoint.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the labels stamped onto every metric.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics exposes application-level ledger instruments.
type Metrics struct {
	grants        *prometheus.CounterVec
	consumes      *prometheus.CounterVec
	refunds       prometheus.Counter
	insufficient  *prometheus.CounterVec
	raceConflicts *prometheus.CounterVec
	expiredGrants prometheus.Counter
}

// New registers the ledger instruments on the default registerer.
func New(cfg Config) *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

// NewWithRegisterer registers the ledger instruments on the given registerer.
// Tests pass a fresh prometheus.NewRegistry to avoid duplicate registration.
func NewWithRegisterer(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabels(cfg)

	grants := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "muse_quota_grants_total",
		Help:        "Quota grants written by pool.",
		ConstLabels: constLabels,
	}, []string{"pool"})
	consumes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "muse_quota_consumes_total",
		Help:        "Quota consumes committed by pool and service type.",
		ConstLabels: constLabels,
	}, []string{"pool", "service_type"})
	refunds := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "muse_quota_refunds_total",
		Help:        "Quota refunds applied.",
		ConstLabels: constLabels,
	})
	insufficient := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "muse_quota_insufficient_total",
		Help:        "Consume attempts rejected because every pool was short.",
		ConstLabels: constLabels,
	}, []string{"service_type"})
	raceConflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "muse_quota_race_conflicts_total",
		Help:        "Consume attempts aborted after losing a balance race.",
		ConstLabels: constLabels,
	}, []string{"pool"})
	expiredGrants := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "muse_quota_grants_expired_total",
		Help:        "Grants flipped to EXPIRED by the sweep.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(grants, consumes, refunds, insufficient, raceConflicts, expiredGrants)

	return &Metrics{
		grants:        grants,
		consumes:      consumes,
		refunds:       refunds,
		insufficient:  insufficient,
		raceConflicts: raceConflicts,
		expiredGrants: expiredGrants,
	}
}

// RecordGrant increments grant counts.
func (m *Metrics) RecordGrant(pool string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(normalizeLabel(pool)).Inc()
}

// RecordConsume increments consume counts.
func (m *Metrics) RecordConsume(pool, serviceType string) {
	if m == nil {
		return
	}
	m.consumes.WithLabelValues(normalizeLabel(pool), normalizeLabel(serviceType)).Inc()
}

// RecordRefund increments refund counts.
func (m *Metrics) RecordRefund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}

// RecordInsufficient increments rejected consume counts.
func (m *Metrics) RecordInsufficient(serviceType string) {
	if m == nil {
		return
	}
	m.insufficient.WithLabelValues(normalizeLabel(serviceType)).Inc()
}

// RecordRaceConflict increments aborted consume counts.
func (m *Metrics) RecordRaceConflict(pool string) {
	if m == nil {
		return
	}
	m.raceConflicts.WithLabelValues(normalizeLabel(pool)).Inc()
}

// RecordExpiredGrants adds swept grant counts.
func (m *Metrics) RecordExpiredGrants(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.expiredGrants.Add(float64(count))
}

// HTTPMetrics instruments inbound HTTP traffic.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the HTTP instruments on the default registerer.
func NewHTTPMetrics(cfg Config) *HTTPMetrics {
	return NewHTTPMetricsWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

// NewHTTPMetricsWithRegisterer registers the HTTP instruments on the given registerer.
func NewHTTPMetricsWithRegisterer(registerer prometheus.Registerer, cfg Config) *HTTPMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabels(cfg)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "muse_http_requests_total",
		Help:        "Inbound HTTP requests by route, method, and status.",
		ConstLabels: constLabels,
	}, []string{"route", "method", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "muse_http_request_duration_seconds",
		Help:        "Inbound HTTP request latency by route and method.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"route", "method"})

	registerer.MustRegister(requests, duration)

	return &HTTPMetrics{requests: requests, duration: duration}
}

// GinMiddleware records one observation per completed request.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		m.requests.WithLabelValues(route, method, status).Inc()
		m.duration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "muse"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
