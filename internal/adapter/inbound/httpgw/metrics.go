package httpgw

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	UpstreamRequestsTotal *prometheus.CounterVec
	RateLimitedTotal      prometheus.Counter
	ActiveWebSockets      prometheus.Gauge
	RateLimitKeys         prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "requests_total",
				Help:      "Total number of inbound requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Inbound request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		UpstreamRequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "upstream_requests_total",
				Help:      "Total proxied upstream requests by route and status",
			},
			[]string{"route", "status"},
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the rate limiter",
			},
		),
		ActiveWebSockets: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "active_websockets",
				Help:      "Number of open proxied WebSocket connections",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
		),
	}
}

// ObserveUpstream records the outcome of one proxied upstream call.
func (m *Metrics) ObserveUpstream(routeName string, status int) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(routeName, fmt.Sprintf("%d", status)).Inc()
}

// RateLimited records one rate limiter rejection.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// SetRateLimitKeys records the current number of tracked limiter keys.
func (m *Metrics) SetRateLimitKeys(n int) {
	if m == nil {
		return
	}
	m.RateLimitKeys.Set(float64(n))
}

// WebSocketOpened records a proxied WebSocket connection opening.
func (m *Metrics) WebSocketOpened() {
	if m == nil {
		return
	}
	m.ActiveWebSockets.Inc()
}

// WebSocketClosed records a proxied WebSocket connection closing.
func (m *Metrics) WebSocketClosed() {
	if m == nil {
		return
	}
	m.ActiveWebSockets.Dec()
}
