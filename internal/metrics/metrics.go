// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics exports per operation counters of the block adapter in
// the prometheus format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "glblk"

// Result labels.
const (
	ResultOK            = "ok"
	ResultIOError       = "io_error"
	ResultShortTransfer = "short_transfer"
	ResultUnsupported   = "unsupported"
	ResultError         = "error"
)

// Metrics of submitted operations.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
	inflight   *prometheus.GaugeVec
	sessions   prometheus.Gauge
}

// New creates the collectors and registers them in a private registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Completed operations by type and result.",
		}, []string{"operation", "result"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time from submission to resumption of the caller.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation"}),

		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes requested by successful operations.",
		}, []string{"operation"}),

		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_in_flight",
			Help:      "Operations submitted and not yet resumed.",
		}, []string{"operation"}),

		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Established sessions.",
		}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.duration, m.bytes, m.inflight, m.sessions} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Started marks op as in flight.
func (m *Metrics) Started(op string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(op).Inc()
}

// Finished records the outcome of op submitted at start.
func (m *Metrics) Finished(op string, start time.Time, size int64, result string) {
	if m == nil {
		return
	}

	m.inflight.WithLabelValues(op).Dec()
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if result == ResultOK && size > 0 {
		m.bytes.WithLabelValues(op).Add(float64(size))
	}
}

// SessionOpened and SessionClosed track established sessions.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}
