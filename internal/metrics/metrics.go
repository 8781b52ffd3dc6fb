// Package metrics exposes Prometheus collectors for the conversation engine.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eyeline"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	rulesTotal       *prometheus.CounterVec
	inferenceTotal   *prometheus.CounterVec
	inferenceLatency *prometheus.HistogramVec
	rateLimitedTotal prometheus.Counter
	webhookTotal     *prometheus.CounterVec
	appointments     prometheus.Counter
}

// New creates the collectors on a private registry that also carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rulesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "rule_hits_total",
			Help:      "Messages handled, by the rule that produced the reply",
		}, []string{"rule"}),
		inferenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "calls_total",
			Help:      "Inference gateway calls by outcome",
		}, []string{"outcome"}),
		inferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "latency_seconds",
			Help:      "Latency of inference gateway calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 4, 5, 6, 7, 8, 8.5, 10},
		}, []string{"outcome"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the per-user rate limit",
		}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "inbound_total",
			Help:      "Inbound transport deliveries by channel and result",
		}, []string{"channel", "result"}),
		appointments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "appointments_created_total",
			Help:      "Appointment requests recorded",
		}),
	}
	reg.MustRegister(
		m.rulesTotal, m.inferenceTotal, m.inferenceLatency, m.rateLimitedTotal, m.webhookTotal, m.appointments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterDB exports connection pool statistics of the store database.
func (m *Metrics) RegisterDB(db *sql.DB, name string) error {
	if m == nil || db == nil {
		return nil
	}
	return m.registry.Register(collectors.NewDBStatsCollector(db, name))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RuleHit counts a reply produced by rule.
func (m *Metrics) RuleHit(rule string) {
	if m == nil {
		return
	}
	m.rulesTotal.WithLabelValues(rule).Inc()
}

// ObserveInference records one gateway call.
func (m *Metrics) ObserveInference(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inferenceTotal.WithLabelValues(outcome).Inc()
	m.inferenceLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RateLimited counts a rejected message.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

// AppointmentCreated counts a recorded appointment.
func (m *Metrics) AppointmentCreated() {
	if m == nil {
		return
	}
	m.appointments.Inc()
}

// Inbound counts a transport delivery; result is e.g. "ok", "duplicate", "forbidden", "error".
func (m *Metrics) Inbound(channel, result string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(channel, result).Inc()
}
