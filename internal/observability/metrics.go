package observability

import (
	"sort"
	"sync"
	"time"
)

const (
	maxLatencySamples = 1000
	eventWindow       = 5 * time.Minute
)

// StageSnapshot is the percentile/count view of one named stage's latencies.
type StageSnapshot struct {
	Count int     `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P90Ms float64 `json:"p90_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// MetricsSnapshot is the full point-in-time view returned by GetSnapshot.
type MetricsSnapshot struct {
	Stages         map[string]StageSnapshot `json:"stages"`
	EventRates     map[string]float64       `json:"event_rates_per_min"`
	CircuitStates  map[string]string        `json:"circuit_states"`
	QueueDepths    map[string]int           `json:"queue_depths"`
}

// MetricsCollector keeps rolling latency samples per stage and rolling event
// timestamps per operation, matching spec §4.13. It is safe for concurrent use.
type MetricsCollector struct {
	mu        sync.Mutex
	latencies map[string][]float64 // ring-buffer-ish: capped at maxLatencySamples, oldest dropped
	events    map[string][]time.Time
	circuits  map[string]string
	queues    map[string]int

	// optional ClickHouse sink; nil means no-op (spec §11 domain stack wiring).
	sink MetricsSink
}

// MetricsSink is an optional long-horizon flush target for latency samples.
// A ClickHouse-backed implementation lives in internal/observability/clickhouse.go;
// when unconfigured, NewMetricsCollector uses a no-op sink.
type MetricsSink interface {
	FlushLatency(stage string, ms float64)
}

type noopSink struct{}

func (noopSink) FlushLatency(string, float64) {}

// NewMetricsCollector builds a collector. Pass nil for sink to disable the
// long-horizon flush path.
func NewMetricsCollector(sink MetricsSink) *MetricsCollector {
	if sink == nil {
		sink = noopSink{}
	}
	return &MetricsCollector{
		latencies: make(map[string][]float64),
		events:    make(map[string][]time.Time),
		circuits:  make(map[string]string),
		queues:    make(map[string]int),
		sink:      sink,
	}
}

// ObserveLatency records a latency sample (in milliseconds) for a named stage.
func (m *MetricsCollector) ObserveLatency(stage string, ms float64) {
	m.mu.Lock()
	samples := append(m.latencies[stage], ms)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples:]
	}
	m.latencies[stage] = samples
	m.mu.Unlock()
	m.sink.FlushLatency(stage, ms)
}

// RecordEvent appends a timestamp for a named operation, used for rolling
// 5-minute rate computation.
func (m *MetricsCollector) RecordEvent(op string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := append(m.events[op], at)
	cutoff := at.Add(-eventWindow)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	m.events[op] = ts[i:]
}

// SetCircuitState records the current state of a named circuit breaker
// (e.g. "embedding", "vector") for the snapshot's circuit_states map.
func (m *MetricsCollector) SetCircuitState(name, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuits[name] = state
}

// SetQueueDepth records the current depth of a named background queue
// (e.g. deferred-reindex backlog).
func (m *MetricsCollector) SetQueueDepth(name string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[name] = depth
}

// GetSnapshot computes the current rolling view: percentiles per stage,
// per-minute rates per operation, circuit states, and queue depths.
func (m *MetricsCollector) GetSnapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Stages:        make(map[string]StageSnapshot, len(m.latencies)),
		EventRates:    make(map[string]float64, len(m.events)),
		CircuitStates: make(map[string]string, len(m.circuits)),
		QueueDepths:   make(map[string]int, len(m.queues)),
	}
	for stage, samples := range m.latencies {
		snap.Stages[stage] = percentileSnapshot(samples)
	}
	now := time.Now()
	for op, ts := range m.events {
		cutoff := now.Add(-eventWindow)
		n := 0
		for _, t := range ts {
			if !t.Before(cutoff) {
				n++
			}
		}
		snap.EventRates[op] = float64(n) / eventWindow.Minutes()
	}
	for k, v := range m.circuits {
		snap.CircuitStates[k] = v
	}
	for k, v := range m.queues {
		snap.QueueDepths[k] = v
	}
	return snap
}

func percentileSnapshot(samples []float64) StageSnapshot {
	if len(samples) == 0 {
		return StageSnapshot{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return StageSnapshot{
		Count: len(sorted),
		P50Ms: percentile(sorted, 0.50),
		P90Ms: percentile(sorted, 0.90),
		P99Ms: percentile(sorted, 0.99),
	}
}

// percentile expects a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
