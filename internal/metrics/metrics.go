// Package metrics provides Prometheus metrics for request dispatch and
// data transfers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelBackend   = "backend"
	LabelOperation = "operation"
	LabelResult    = "result"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics groups the daemon's collectors. All methods are nil-safe so
// components can run without metrics.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	inflight        *prometheus.GaugeVec
	transferBytes   *prometheus.CounterVec
}

// New creates the collectors and registers them with registry. If
// registry is nil, metrics are created but not registered (useful for
// testing).
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sboxd",
				Subsystem: "dispatch",
				Name:      "requests_total",
				Help:      "Requests completed by backend, operation and result",
			},
			[]string{LabelBackend, LabelOperation, LabelResult},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sboxd",
				Subsystem: "dispatch",
				Name:      "handler_seconds",
				Help:      "Time from dispatch start to terminal reply",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{LabelBackend, LabelOperation},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sboxd",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Requests admitted but not yet dispatched",
			},
			[]string{LabelBackend},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sboxd",
				Subsystem: "dispatch",
				Name:      "inflight",
				Help:      "Requests dispatched and not yet completed",
			},
			[]string{LabelBackend},
		),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sboxd",
				Subsystem: "transfer",
				Name:      "bytes_total",
				Help:      "Bytes moved by completed copy and move operations",
			},
			[]string{LabelBackend, LabelOperation},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.requestsTotal,
			m.handlerDuration,
			m.queueDepth,
			m.inflight,
			m.transferBytes,
		)
	}
	return m
}

// QueueDepth sets the current queue length of backend.
func (m *Metrics) QueueDepth(backend string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(backend).Set(float64(n))
}

// Started records a request leaving the queue for execution.
func (m *Metrics) Started(backend string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(backend).Inc()
}

// Finished records a terminal reply.
func (m *Metrics) Finished(backend, operation string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.inflight.WithLabelValues(backend).Dec()
	m.requestsTotal.WithLabelValues(backend, operation, result).Inc()
	m.handlerDuration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}

// Transferred adds bytes moved by a completed copy or move.
func (m *Metrics) Transferred(backend, operation string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(backend, operation).Add(float64(n))
}
