// Package observability exposes the Prometheus counters the booking
// platform reports. All collectors register against an injected
// Registerer so tests can use isolated registries.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the platform's collectors.
type Metrics struct {
	transitions      *prometheus.CounterVec
	charges          *prometheus.CounterVec
	sweepProcessed   *prometheus.CounterVec
	sweepErrors      *prometheus.CounterVec
	eventLogFailures prometheus.Counter
	wsClients        prometheus.Gauge
}

// New registers the platform collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findr_booking_transitions_total",
			Help: "Booking status transitions by from/to status.",
		}, []string{"from", "to"}),
		charges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findr_payment_charges_total",
			Help: "Payment charge attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		sweepProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findr_sweep_processed_total",
			Help: "Items processed by background sweep jobs.",
		}, []string{"job"}),
		sweepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findr_sweep_errors_total",
			Help: "Item-level errors in background sweep jobs.",
		}, []string{"job"}),
		eventLogFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "findr_event_log_failures_total",
			Help: "Audit event appends that failed and were swallowed.",
		}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "findr_realtime_clients",
			Help: "Connected realtime websocket clients.",
		}),
	}
}

// RecordTransition counts one status change.
func (m *Metrics) RecordTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordCharge counts one charge attempt outcome.
func (m *Metrics) RecordCharge(chargeType, outcome string) {
	m.charges.WithLabelValues(chargeType, outcome).Inc()
}

// RecordSweep counts a sweep batch.
func (m *Metrics) RecordSweep(job string, processed, errs int) {
	m.sweepProcessed.WithLabelValues(job).Add(float64(processed))
	if errs > 0 {
		m.sweepErrors.WithLabelValues(job).Add(float64(errs))
	}
}

// RecordEventLogFailure counts a swallowed audit append failure.
func (m *Metrics) RecordEventLogFailure() {
	m.eventLogFailures.Inc()
}

// ClientConnected tracks a websocket client attach.
func (m *Metrics) ClientConnected() { m.wsClients.Inc() }

// ClientDisconnected tracks a websocket client detach.
func (m *Metrics) ClientDisconnected() { m.wsClients.Dec() }
