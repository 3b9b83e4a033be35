package monitoring

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded sample window per operation and reports
// P50/P95/P99. It backs the in-process latency contracts (evaluate P99,
// sandbox cold start P95) that Prometheus histograms only approximate.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples map[string][]time.Duration
	maxKeep int
}

// LatencySnapshot is a point-in-time percentile view of one operation.
type LatencySnapshot struct {
	Operation string        `json:"operation"`
	Count     int           `json:"count"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
	Min       time.Duration `json:"min"`
	Max       time.Duration `json:"max"`
}

// NewLatencyTracker creates a tracker keeping up to maxKeep samples per op.
func NewLatencyTracker(maxKeep int) *LatencyTracker {
	if maxKeep <= 0 {
		maxKeep = 4096
	}
	return &LatencyTracker{
		samples: make(map[string][]time.Duration),
		maxKeep: maxKeep,
	}
}

// Observe records one latency sample.
func (lt *LatencyTracker) Observe(op string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	window := append(lt.samples[op], d)
	if len(window) > lt.maxKeep {
		window = window[len(window)-lt.maxKeep:]
	}
	lt.samples[op] = window
}

// Snapshot computes percentiles for one operation.
func (lt *LatencyTracker) Snapshot(op string) LatencySnapshot {
	lt.mu.RLock()
	src := lt.samples[op]
	window := make([]time.Duration, len(src))
	copy(window, src)
	lt.mu.RUnlock()

	snap := LatencySnapshot{Operation: op, Count: len(window)}
	if len(window) == 0 {
		return snap
	}

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	snap.Min = window[0]
	snap.Max = window[len(window)-1]
	snap.P50 = percentile(window, 0.50)
	snap.P95 = percentile(window, 0.95)
	snap.P99 = percentile(window, 0.99)
	return snap
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
