package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestConciergeMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewConciergeMetrics(reg)
	m.ObserveTurn("web", "recommendations", "ok", 0.8)
	m.ObserveTurn("web", "recommendations", "ok", 1.2)
	m.ObserveLLM("rate_limited")
	m.ObserveDelivery("sent")
	m.ObserveDelivery("failed")

	if got := counterValue(t, reg, "yara_turns_total", map[string]string{"channel": "web", "mode": "recommendations", "outcome": "ok"}); got != 2 {
		t.Errorf("yara_turns_total = %v, want 2", got)
	}
	if got := counterValue(t, reg, "yara_deliveries_total", map[string]string{"status": "failed"}); got != 1 {
		t.Errorf("yara_deliveries_total{failed} = %v, want 1", got)
	}
	if got := counterValue(t, reg, "yara_llm_requests_total", map[string]string{"kind": "rate_limited"}); got != 1 {
		t.Errorf("yara_llm_requests_total = %v, want 1", got)
	}
}

func TestConciergeMetricsDefaultRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = prev }()

	m := NewConciergeMetrics(nil)
	m.ObserveLLM("ok")
	if got := counterValue(t, reg, "yara_llm_requests_total", map[string]string{"kind": "ok"}); got != 1 {
		t.Errorf("expected registration on the default registerer, got %v", got)
	}
}

func TestConciergeMetricsNilSafe(t *testing.T) {
	var m *ConciergeMetrics
	m.ObserveTurn("web", "conversational", "ok", 0.1)
	m.ObserveLLM("ok")
	m.ObserveDelivery("sent")
}
