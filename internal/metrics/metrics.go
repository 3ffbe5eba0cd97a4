// Package metrics provides Prometheus metrics for dreambot processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one dreambot process.
type Metrics struct {
	EnvelopesPublished *prometheus.CounterVec
	EnvelopesReceived  *prometheus.CounterVec
	ReceiveOutcomes    *prometheus.CounterVec
	ReceiveDuration    *prometheus.HistogramVec
	WorkerBooted       *prometheus.GaugeVec
	BusConnected       prometheus.Gauge
	ReconnectsTotal    *prometheus.CounterVec
	BackendErrors      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EnvelopesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreambot_envelopes_published_total",
				Help: "Envelopes published to the bus by destination subject.",
			},
			[]string{"subject"},
		),
		EnvelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreambot_envelopes_received_total",
				Help: "Envelopes delivered to workers by worker address.",
			},
			[]string{"worker"},
		),
		ReceiveOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreambot_receive_outcomes_total",
				Help: "Receive outcomes by worker: ack, defer or poison.",
			},
			[]string{"worker", "outcome"},
		),
		ReceiveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dreambot_receive_duration_seconds",
				Help:    "Envelope processing duration by worker.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker"},
		),
		WorkerBooted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dreambot_worker_booted",
				Help: "Whether a worker has completed boot (1) or not (0).",
			},
			[]string{"worker"},
		),
		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dreambot_bus_connected",
				Help: "Whether the NATS connection is up.",
			},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreambot_reconnects_total",
				Help: "Reconnection attempts by component.",
			},
			[]string{"component"},
		),
		BackendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreambot_backend_errors_total",
				Help: "Backend request failures by backend and category.",
			},
			[]string{"backend", "category"},
		),
		registry: reg,
	}

	reg.MustRegister(m.EnvelopesPublished)
	reg.MustRegister(m.EnvelopesReceived)
	reg.MustRegister(m.ReceiveOutcomes)
	reg.MustRegister(m.ReceiveDuration)
	reg.MustRegister(m.WorkerBooted)
	reg.MustRegister(m.BusConnected)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.BackendErrors)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPublish increments the published envelope counter.
func (m *Metrics) RecordPublish(subject string) {
	m.EnvelopesPublished.WithLabelValues(subject).Inc()
}

// RecordReceive increments the delivered envelope counter.
func (m *Metrics) RecordReceive(worker string) {
	m.EnvelopesReceived.WithLabelValues(worker).Inc()
}

// RecordOutcome increments the receive outcome counter.
func (m *Metrics) RecordOutcome(worker, outcome string) {
	m.ReceiveOutcomes.WithLabelValues(worker, outcome).Inc()
}

// ObserveReceive records envelope processing duration.
func (m *Metrics) ObserveReceive(worker string, seconds float64) {
	m.ReceiveDuration.WithLabelValues(worker).Observe(seconds)
}

// SetBooted records a worker's boot state.
func (m *Metrics) SetBooted(worker string, booted bool) {
	v := 0.0
	if booted {
		v = 1.0
	}
	m.WorkerBooted.WithLabelValues(worker).Set(v)
}

// SetBusConnected records bus connectivity.
func (m *Metrics) SetBusConnected(up bool) {
	if up {
		m.BusConnected.Set(1)
	} else {
		m.BusConnected.Set(0)
	}
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect(component string) {
	m.ReconnectsTotal.WithLabelValues(component).Inc()
}

// RecordBackendError increments the backend failure counter.
func (m *Metrics) RecordBackendError(backend, category string) {
	m.BackendErrors.WithLabelValues(backend, category).Inc()
}
