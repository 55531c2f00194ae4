// Package metrics holds the Prometheus collectors of the lease lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Signatures        *prometheus.CounterVec
	Executions        prometheus.Counter
	SubscriptionMoves *prometheus.CounterVec
	PaymentOutcomes   *prometheus.CounterVec
	LateFeeMinorUnits prometheus.Counter
	ProcessorCalls    *prometheus.CounterVec
	ProcessorRetries  *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasewise",
			Name:      "signatures_total",
			Help:      "Signature submissions by result.",
		}, []string{"result"}),
		Executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leasewise",
			Name:      "contracts_executed_total",
			Help:      "Contracts moved to fully_executed.",
		}),
		SubscriptionMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasewise",
			Name:      "subscription_transitions_total",
			Help:      "Applied subscription status transitions.",
		}, []string{"to"}),
		PaymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasewise",
			Name:      "payment_outcomes_total",
			Help:      "Charge attempts by outcome.",
		}, []string{"outcome"}),
		LateFeeMinorUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leasewise",
			Name:      "late_fees_minor_units_total",
			Help:      "Sum of late fees added to invoices, in minor currency units.",
		}),
		ProcessorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasewise",
			Name:      "processor_calls_total",
			Help:      "Payment processor calls by operation and result.",
		}, []string{"op", "result"}),
		ProcessorRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasewise",
			Name:      "processor_retries_total",
			Help:      "Retries of transient processor failures.",
		}, []string{"op"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasewise",
			Name:      "webhook_events_total",
			Help:      "Processor events by type and disposition.",
		}, []string{"type", "disposition"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Signatures, m.Executions, m.SubscriptionMoves, m.PaymentOutcomes,
			m.LateFeeMinorUnits, m.ProcessorCalls, m.ProcessorRetries, m.WebhookEvents,
		)
	}
	return m
}

func (m *Metrics) Signature(result string) {
	if m != nil {
		m.Signatures.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Executed() {
	if m != nil {
		m.Executions.Inc()
	}
}

func (m *Metrics) Transition(to string) {
	if m != nil {
		m.SubscriptionMoves.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) Payment(outcome string) {
	if m != nil {
		m.PaymentOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) LateFee(amount int64) {
	if m != nil {
		m.LateFeeMinorUnits.Add(float64(amount))
	}
}

func (m *Metrics) ProcessorCall(op, result string) {
	if m != nil {
		m.ProcessorCalls.WithLabelValues(op, result).Inc()
	}
}

func (m *Metrics) ProcessorRetry(op string) {
	if m != nil {
		m.ProcessorRetries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Webhook(eventType, disposition string) {
	if m != nil {
		m.WebhookEvents.WithLabelValues(eventType, disposition).Inc()
	}
}
