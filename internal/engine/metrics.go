package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	BalanceLookups     *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	InvariantViolation prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_operations_total",
				Help: "Total settlement operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_operation_duration_seconds",
				Help:    "Settlement operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		BalanceLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_balance_lookups_total",
				Help: "Total balance lookups.",
			},
			[]string{"status"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_events_published_total",
				Help: "Total settlement events published to Kafka.",
			},
			[]string{"topic", "status"},
		),
		InvariantViolation: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_invariant_violations_total",
				Help: "Locked-balance shortfalls detected during release or cancel.",
			},
		),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.BalanceLookups,
		m.EventsPublished,
		m.InvariantViolation,
	)
	return m
}

func (m *Metrics) ObserveOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) IncBalanceLookup(status string) {
	if m == nil {
		return
	}
	m.BalanceLookups.WithLabelValues(status).Inc()
}

func (m *Metrics) IncEventPublished(topic, status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic, status).Inc()
}

func (m *Metrics) IncInvariantViolation() {
	if m == nil {
		return
	}
	m.InvariantViolation.Inc()
}
