package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "booking"

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	admissionDecisions *prometheus.CounterVec
	admissionDuration  prometheus.Histogram
	transitions        *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Booking admission outcomes by result (admitted or rejection reason).",
			},
			[]string{"result"},
		),
		admissionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_duration_seconds",
				Help:      "Latency of booking admission including retries.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_transitions_total",
				Help:      "Appointment status transitions by target status and result.",
			},
			[]string{"target", "result"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the traffic limiter per tier.",
			},
			[]string{"tier"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissionDecisions,
		m.admissionDuration,
		m.transitions,
		m.rateLimited,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAdmission records one admission attempt. result is "admitted" or a rejection reason.
func (m *Metrics) ObserveAdmission(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.admissionDecisions.WithLabelValues(result).Inc()
	m.admissionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTransition(target, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(target, result).Inc()
}

func (m *Metrics) ObserveRateLimited(tier string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(tier).Inc()
}
