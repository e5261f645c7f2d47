package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg, Namespace: "nixl_test"})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	p.ConnectionEstablished(map[string]string{labelAgent: "peer-1"})
	p.ConnectionEstablished(map[string]string{labelAgent: "peer-1"})
	p.XferFailed(nil, map[string]string{labelAgent: "peer-1", labelOperation: "write"})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var sawEstablished, sawFailed bool
	for _, fam := range families {
		switch fam.GetName() {
		case "nixl_test_connections_established_total":
			sawEstablished = true
			if got := sumCounter(fam); got != 2 {
				t.Fatalf("connections_established_total = %v, want 2", got)
			}
		case "nixl_test_xfers_failed_total":
			sawFailed = true
			if got := sumCounter(fam); got != 1 {
				t.Fatalf("xfers_failed_total = %v, want 1", got)
			}
		}
	}
	if !sawEstablished || !sawFailed {
		t.Fatalf("expected both counters registered, families=%v", families)
	}
}

func TestPrometheusMetricsToleratesReregistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg}); err != nil {
		t.Fatalf("second registration should reuse existing collectors: %v", err)
	}
}

func sumCounter(fam *dto.MetricFamily) float64 {
	var total float64
	for _, m := range fam.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}
