package observability

import (
	"context"
	"testing"
	"time"
)

func TestMetricsCollectorPercentiles(t *testing.T) {
	mc := NewMetricsCollector(nil)
	for i := 1; i <= 100; i++ {
		mc.ObserveLatency("embed", float64(i))
	}
	snap := mc.GetSnapshot()
	stage, ok := snap.Stages["embed"]
	if !ok {
		t.Fatalf("expected stage snapshot for embed")
	}
	if stage.Count != 100 {
		t.Fatalf("expected 100 samples, got %d", stage.Count)
	}
	if stage.P50Ms < 40 || stage.P50Ms > 60 {
		t.Fatalf("p50 out of expected range: %v", stage.P50Ms)
	}
	if stage.P99Ms < stage.P90Ms {
		t.Fatalf("p99 should be >= p90")
	}
}

func TestMetricsCollectorCapsSamples(t *testing.T) {
	mc := NewMetricsCollector(nil)
	for i := 0; i < maxLatencySamples+50; i++ {
		mc.ObserveLatency("vector", 1)
	}
	snap := mc.GetSnapshot()
	if snap.Stages["vector"].Count != maxLatencySamples {
		t.Fatalf("expected samples capped at %d, got %d", maxLatencySamples, snap.Stages["vector"].Count)
	}
}

func TestMetricsCollectorCircuitAndQueue(t *testing.T) {
	mc := NewMetricsCollector(nil)
	mc.SetCircuitState("embedding", "open")
	mc.SetQueueDepth("reindex", 42)
	snap := mc.GetSnapshot()
	if snap.CircuitStates["embedding"] != "open" {
		t.Fatalf("expected circuit state open, got %q", snap.CircuitStates["embedding"])
	}
	if snap.QueueDepths["reindex"] != 42 {
		t.Fatalf("expected queue depth 42, got %d", snap.QueueDepths["reindex"])
	}
}

func TestRunHealthChecksAggregation(t *testing.T) {
	checks := map[string]ComponentCheck{
		"document_store": func(ctx context.Context) (ComponentStatus, string) {
			return StatusHealthy, ""
		},
		"embedding": func(ctx context.Context) (ComponentStatus, string) {
			return StatusDegraded, "circuit half-open"
		},
	}
	report := RunHealthChecks(context.Background(), checks)
	if report.Status != StatusDegraded {
		t.Fatalf("expected aggregate degraded, got %s", report.Status)
	}
	if report.Components["embedding"].Detail != "circuit half-open" {
		t.Fatalf("unexpected detail: %+v", report.Components["embedding"])
	}
}

func TestRunHealthChecksTimeout(t *testing.T) {
	checks := map[string]ComponentCheck{
		"vector_index": func(ctx context.Context) (ComponentStatus, string) {
			select {
			case <-time.After(time.Hour):
			case <-ctx.Done():
			}
			return StatusHealthy, ""
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report := RunHealthChecks(ctx, checks)
	if report.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy on timeout, got %s", report.Status)
	}
	if !report.Components["vector_index"].TimedOut {
		t.Fatalf("expected TimedOut flag set")
	}
}
