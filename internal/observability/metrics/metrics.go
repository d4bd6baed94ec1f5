package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters for booking attempts and appointment transitions.
type BookingMetrics struct {
	attemptsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salon",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salon",
			Subsystem: "appointment",
			Name:      "transitions_total",
			Help:      "Appointment status transitions by target status",
		}, []string{"to"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.attemptsTotal, m.transitionsTotal)
	return m
}

func (m *BookingMetrics) ObserveBookingAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

// BillingMetrics exposes counters/histograms for provider webhooks.
type BillingMetrics struct {
	eventsTotal    *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salon",
			Subsystem: "billing",
			Name:      "events_total",
			Help:      "Billing events by kind and reconciliation result",
		}, []string{"kind", "result"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "salon",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of inbound webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal, m.webhookLatency)
	return m
}

func (m *BillingMetrics) ObserveBillingEvent(kind, result string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind, result).Inc()
}

func (m *BillingMetrics) ObserveWebhookLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(provider).Observe(seconds)
}
