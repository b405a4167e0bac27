package nanny

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxTrackedDispatchLatencies bounds the dispatch-latency sample window,
// matching the teacher's pool_metrics.go's fixed-size latency ring.
const maxTrackedDispatchLatencies = 10000

// ClusterMetrics aggregates cluster-wide counters surfaced through
// ClusterSupervisor.Metrics and, when wired by an embedder, through a
// metrics exporter.
// Modeled on the teacher's pool_metrics.go atomic-counter and
// bounded-latency-sample pattern.
type ClusterMetrics struct {
	restarts       uint64
	unhealthyStops uint64
	forcedStops    uint64

	latencyMu sync.Mutex
	latencies []time.Duration
}

// NewClusterMetrics returns a zeroed ClusterMetrics.
func NewClusterMetrics() *ClusterMetrics {
	return &ClusterMetrics{
		latencies: make([]time.Duration, 0, maxTrackedDispatchLatencies),
	}
}

func (m *ClusterMetrics) recordRestart()       { atomic.AddUint64(&m.restarts, 1) }
func (m *ClusterMetrics) recordUnhealthyStop() { atomic.AddUint64(&m.unhealthyStops, 1) }
func (m *ClusterMetrics) recordForcedStop()    { atomic.AddUint64(&m.forcedStops, 1) }

// recordDispatchLatency records the time a LoadBalancer spent selecting a
// worker (or falling through to the backlog) for one accepted connection.
func (m *ClusterMetrics) recordDispatchLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if len(m.latencies) >= maxTrackedDispatchLatencies {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

// dispatchLatencyPercentile returns the latency below which percentile% of
// recorded samples fall, using the same simple sorted-index approximation
// as the teacher's GetLatencyPercentile.
func (m *ClusterMetrics) dispatchLatencyPercentile(percentile float64) time.Duration {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)-1) * percentile / 100.0)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// ClusterMetricsSnapshot is a point-in-time copy of ClusterMetrics.
type ClusterMetricsSnapshot struct {
	Restarts       uint64
	UnhealthyStops uint64
	ForcedStops    uint64

	DispatchLatencyP50 time.Duration
	DispatchLatencyP95 time.Duration
	DispatchLatencyP99 time.Duration
}

// Snapshot reads all counters atomically with respect to each other's
// field, though not as a single atomic unit across fields.
func (m *ClusterMetrics) Snapshot() ClusterMetricsSnapshot {
	return ClusterMetricsSnapshot{
		Restarts:           atomic.LoadUint64(&m.restarts),
		UnhealthyStops:     atomic.LoadUint64(&m.unhealthyStops),
		ForcedStops:        atomic.LoadUint64(&m.forcedStops),
		DispatchLatencyP50: m.dispatchLatencyPercentile(50),
		DispatchLatencyP95: m.dispatchLatencyPercentile(95),
		DispatchLatencyP99: m.dispatchLatencyPercentile(99),
	}
}
