// Package metrics exposes Prometheus collectors for concierge turns,
// model calls and WhatsApp deliveries.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConciergeMetrics holds the service collectors. A nil *ConciergeMetrics is a no-op.
type ConciergeMetrics struct {
	turnsTotal      *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	turnLatency     *prometheus.HistogramVec
}

// NewConciergeMetrics registers the collectors on reg (default registerer when nil).
func NewConciergeMetrics(reg prometheus.Registerer) *ConciergeMetrics {
	m := &ConciergeMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yara",
			Name:      "turns_total",
			Help:      "Concierge turns by channel, response mode and outcome",
		}, []string{"channel", "mode", "outcome"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yara",
			Name:      "llm_requests_total",
			Help:      "Model invocations by result kind",
		}, []string{"kind"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yara",
			Name:      "deliveries_total",
			Help:      "Outbound WhatsApp sends by status",
		}, []string{"status"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "yara",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end latency of a concierge turn",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.llmRequests, m.deliveriesTotal, m.turnLatency)
	return m
}

// ObserveTurn counts a finished turn and records its latency.
func (m *ConciergeMetrics) ObserveTurn(channel, mode, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(channel, mode, outcome).Inc()
	m.turnLatency.WithLabelValues(channel).Observe(seconds)
}

// ObserveLLM counts a model invocation. kind is "ok" or a failure kind.
func (m *ConciergeMetrics) ObserveLLM(kind string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(kind).Inc()
}

// ObserveDelivery counts one outbound send.
func (m *ConciergeMetrics) ObserveDelivery(status string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(status).Inc()
}
