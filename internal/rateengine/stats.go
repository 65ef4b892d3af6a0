package rateengine

import "math"

// Stats is a read-only view of the engine after the latest tick.
type Stats struct {
	Current       float64 `json:"current"`
	Previous      float64 `json:"previous"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Trend         float64 `json:"trend"`
	Volatility    float64 `json:"volatility"`
	Momentum      float64 `json:"momentum"`
	Avg20         float64 `json:"avg20"`
	High20        float64 `json:"high20"`
	Low20         float64 `json:"low20"`
	Updates       uint64  `json:"updates"`
}

// Snapshot bundles Stats, bounds and the full history from a single lock
// acquisition.
type Snapshot struct {
	Stats   Stats     `json:"stats"`
	Config  Config    `json:"config"`
	History []float64 `json:"history"`
}

// Current returns the latest rate.
func (e *Engine) Current() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Previous returns the rate before the latest tick.
func (e *Engine) Previous() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.previous
}

// Updates returns the number of ticks performed.
func (e *Engine) Updates() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updates
}

// Stats computes the current statistics snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats()
}

// History returns up to n of the most recent rates, oldest first.
// n <= 0 selects DefaultHistoryCount.
func (e *Engine) History(n int) []float64 {
	if n <= 0 {
		n = DefaultHistoryCount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Last(n)
}

// Snapshot returns stats, config and history consistently.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Stats:   e.stats(),
		Config:  e.cfg,
		History: e.history.Last(e.history.Len()),
	}
}

func (e *Engine) stats() Stats {
	avg, high, low := WindowStats(e.history.Last(StatsWindow))

	return Stats{
		Current:       e.current,
		Previous:      e.previous,
		Change:        e.current - e.previous,
		ChangePercent: ChangePercent(e.previous, e.current),
		Trend:         e.trend,
		Volatility:    e.volatility,
		Momentum:      e.momentum,
		Avg20:         avg,
		High20:        high,
		Low20:         low,
		Updates:       e.updates,
	}
}

// WindowStats returns the 4-decimal mean, the max and the min of window.
// All three are zero for an empty window.
func WindowStats(window []float64) (avg, high, low float64) {
	if len(window) == 0 {
		return 0, 0, 0
	}
	high, low = math.Inf(-1), math.Inf(1)
	var sum float64
	for _, r := range window {
		sum += r
		high = math.Max(high, r)
		low = math.Min(low, r)
	}
	return round4(sum / float64(len(window))), high, low
}

// ChangePercent returns (current-previous)/previous*100, or 0 when
// previous is zero.
func ChangePercent(previous, current float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous * 100
}
