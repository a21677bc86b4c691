// Package metrics holds the Prometheus collectors for the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	webhookDeliveries *prometheus.CounterVec
	activations       *prometheus.CounterVec
	deviceTokens      *prometheus.CounterVec
	pollWaiters       prometheus.Gauge
	pollDuration      *prometheus.HistogramVec
	purged            prometheus.Counter
}

// New registers every collector on reg. Passing a fresh prometheus.Registry
// keeps tests isolated; nil uses the default registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		gatherer: gatherer,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Verified webhook deliveries by outcome.",
		}, []string{"outcome"}), // applied|duplicate_delivery|duplicate_state|recorded|rejected|failed
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activation_events_total",
			Help: "Activation flow events.",
		}, []string{"event"}),
		deviceTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_tokens_total",
			Help: "Device token requests by result status.",
		}, []string{"status"}),
		pollWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "activation_poll_waiters",
			Help: "Pollers currently blocked on a pending request.",
		}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "activation_poll_duration_seconds",
			Help:    "Time a poll spent blocked, by final status.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magic_requests_purged_total",
			Help: "Magic requests removed by the janitor.",
		}),
	}

	var err error
	if m.httpRequests, err = register(reg, m.httpRequests); err != nil {
		return nil, err
	}
	if m.httpDuration, err = register(reg, m.httpDuration); err != nil {
		return nil, err
	}
	if m.webhookDeliveries, err = register(reg, m.webhookDeliveries); err != nil {
		return nil, err
	}
	if m.activations, err = register(reg, m.activations); err != nil {
		return nil, err
	}
	if m.deviceTokens, err = register(reg, m.deviceTokens); err != nil {
		return nil, err
	}
	if m.pollWaiters, err = register(reg, m.pollWaiters); err != nil {
		return nil, err
	}
	if m.pollDuration, err = register(reg, m.pollDuration); err != nil {
		return nil, err
	}
	if m.purged, err = register(reg, m.purged); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) WebhookDelivery(outcome string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Activation(event string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(event).Inc()
}

func (m *Metrics) DeviceToken(status string) {
	if m == nil {
		return
	}
	m.deviceTokens.WithLabelValues(status).Inc()
}

// PollStarted marks a blocked poll; the returned func records its end.
func (m *Metrics) PollStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.pollWaiters.Inc()
	return func(status string) {
		m.pollWaiters.Dec()
		m.pollDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
