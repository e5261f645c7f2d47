package backend

import (
	"errors"
	"testing"

	"github.com/nixl-go/nixl/nixl"
)

func TestSetInitParamRejectsDuplicate(t *testing.T) {
	b := NewBase("agent-a", false)
	if err := b.SetInitParam("mode", "rdma"); err != nil {
		t.Fatalf("first SetInitParam: %v", err)
	}
	err := b.SetInitParam("mode", "tcp")
	var nerr *nixl.Error
	if !errors.As(err, &nerr) || nerr.Kind != nixl.KindNotAllowed {
		t.Fatalf("duplicate SetInitParam err = %v, want KindNotAllowed", err)
	}
	got, err := b.GetInitParam("mode")
	if err != nil || got != "rdma" {
		t.Fatalf("GetInitParam = %q, %v; want rdma, nil (first write wins)", got, err)
	}
}

func TestTelemetryQueueBounded(t *testing.T) {
	b := NewBase("agent-a", true)
	for i := 0; i < MaxTelemetryQueueSize+10; i++ {
		b.AddTelemetryEvent("xfer_bytes", uint64(i))
	}
	events := b.DrainTelemetryEvents()
	if len(events) != MaxTelemetryQueueSize {
		t.Fatalf("len(events) = %d, want %d", len(events), MaxTelemetryQueueSize)
	}
	// Dropping happens at the tail: the first MaxTelemetryQueueSize values
	// survive, new ones past that are discarded.
	if events[0].Value != 0 {
		t.Errorf("events[0].Value = %d, want 0", events[0].Value)
	}
}

func TestDrainTelemetryEventsClearsQueue(t *testing.T) {
	b := NewBase("agent-a", true)
	b.AddTelemetryEvent("e", 1)
	if len(b.DrainTelemetryEvents()) != 1 {
		t.Fatal("expected one event")
	}
	if len(b.DrainTelemetryEvents()) != 0 {
		t.Fatal("expected queue to be empty after drain")
	}
}

func TestTelemetryDisabledByDefault(t *testing.T) {
	b := NewBase("agent-a", false)
	b.AddTelemetryEvent("e", 1)
	if got := b.DrainTelemetryEvents(); got != nil {
		t.Fatalf("expected no events when telemetry disabled, got %v", got)
	}
}
