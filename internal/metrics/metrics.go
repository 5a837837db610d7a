// Package metrics holds the Prometheus instruments for bookings and
// payments.  A Metrics value is created once in main and passed to the
// services; tests build their own on a private registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "appointments"

// Metrics groups every counter and histogram the services update.
//
// Labels:
//   - BookingsTotal: outcome (created, slot_taken, unavailable, invalid)
//   - CrisisRefusalsTotal: category
//   - PaymentAttemptsTotal: provider, status (initiated, failed, duplicate)
//   - WebhooksTotal: provider, result (succeeded, failed, unknown, duplicate, rejected)
//   - ConfirmationsTotal: provider, outcome (applied, already_confirmed, conflict)
//   - ProviderLatency: provider, operation
type Metrics struct {
	BookingsTotal        *prometheus.CounterVec
	CrisisRefusalsTotal  *prometheus.CounterVec
	PaymentAttemptsTotal *prometheus.CounterVec
	WebhooksTotal        *prometheus.CounterVec
	ConfirmationsTotal   *prometheus.CounterVec
	ProviderLatency      *prometheus.HistogramVec
}

// New registers the instruments on reg.  Passing nil uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		BookingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Booking requests by outcome.",
		}, []string{"outcome"}),
		CrisisRefusalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crisis_refusals_total",
			Help:      "Booking requests refused by the crisis safety gate.",
		}, []string{"category"}),
		PaymentAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "attempts_total",
			Help:      "Payment initiations by provider and status.",
		}, []string{"provider", "status"}),
		WebhooksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "webhooks_total",
			Help:      "Provider callbacks by provider and result.",
		}, []string{"provider", "result"}),
		ConfirmationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Booking confirmations by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "provider_call_seconds",
			Help:      "Latency of outbound provider calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"provider", "operation"}),
	}
}

// ObserveProvider records the time since start for one provider call.
func (m *Metrics) ObserveProvider(provider, op string, start time.Time) {
	m.ProviderLatency.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}
