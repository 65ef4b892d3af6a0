package gateway

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"bdpayx-rates/internal/ringbuf"
)

// LatencyTracker records tick-to-emit latency samples (ms) over a sliding
// window and reports p50/p95/p99. Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	samples *ringbuf.Ring[float64]
}

// NewLatencyTracker creates a tracker that holds the last capacity samples
// (default 10000).
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{samples: ringbuf.New[float64](capacity)}
}

// Record adds a latency sample in milliseconds.
func (lt *LatencyTracker) Record(latencyMs float64) {
	lt.mu.Lock()
	lt.samples.Push(latencyMs)
	lt.mu.Unlock()
}

// RecordSince records the latency between the payload's "timestamp" field
// and now. Payloads without a parseable timestamp are ignored. Returns the
// recorded latency and whether a sample was taken.
func (lt *LatencyTracker) RecordSince(payload []byte, now time.Time) (float64, bool) {
	ts := gjson.GetBytes(payload, "timestamp")
	if !ts.Exists() {
		return 0, false
	}
	src, err := time.Parse(time.RFC3339Nano, ts.String())
	if err != nil {
		return 0, false
	}
	ms := float64(now.Sub(src).Microseconds()) / 1000.0
	if ms < 0 {
		return 0, false
	}
	lt.Record(ms)
	return ms, true
}

// Percentiles returns p50, p95, p99 latency in milliseconds.
// Returns (0, 0, 0) if no samples have been recorded.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 float64) {
	lt.mu.Lock()
	sorted := lt.samples.Last(lt.samples.Len())
	lt.mu.Unlock()

	if len(sorted) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(sorted)

	p50 = percentile(sorted, 0.50)
	p95 = percentile(sorted, 0.95)
	p99 = percentile(sorted, 0.99)
	return
}

// Count returns the number of samples recorded (up to capacity).
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.samples.Len()
}

// percentile linearly interpolates the p-th percentile (0.0–1.0) of a
// sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
