// Package instrument holds the relay's prometheus metrics and the fiber
// middleware that records request metrics and access logs.
package instrument

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Delivery outcomes used as the outcome label.
const (
	OutcomeSuccess      = "success"
	OutcomeHTTPError    = "http_error"
	OutcomeNetworkError = "network_error"
)

// Metrics owns a dedicated registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	pending          prometheus.Gauge
	httpRequests     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Webhook delivery attempts by event and outcome.",
		}, []string{"event", "outcome"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Duration of outbound webhook calls.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"event"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_deliveries",
			Help: "Deliveries still pending past the stale threshold.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
	m.Registry.MustRegister(
		m.deliveries,
		m.deliveryDuration,
		m.pending,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Outcome classifies a delivery status code. 0 means the target was unreachable.
func Outcome(status int) string {
	switch {
	case status == 0:
		return OutcomeNetworkError
	case status >= 200 && status < 300:
		return OutcomeSuccess
	default:
		return OutcomeHTTPError
	}
}

func (m *Metrics) ObserveDelivery(event string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event, Outcome(status)).Inc()
	m.deliveryDuration.WithLabelValues(event).Observe(d.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) ObserveRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
