// Package rateengine generates the synthetic BDT→INR rate series.
//
// The series is a bounded random process with trend persistence and
// reversal, volatility clustering with occasional spikes, momentum, mean
// reversion toward the base rate and soft resistance near the band edges.
// Every produced rate lies in [MinRate, MaxRate] and is rounded to four
// decimal places.
//
// An Engine is safe for concurrent use: Next serializes on an internal
// mutex, and the read accessors copy state out under the same lock.
package rateengine

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"bdpayx-rates/internal/ringbuf"
)

// BaseVolatility is the calm-market volatility every engine starts at and
// decays back to.
const BaseVolatility = 0.0002

// Market dynamics constants.
const (
	scale = 10000 // 4-decimal price grid

	HistorySize         = 100
	DefaultHistoryCount = 10
	StatsWindow         = 20

	initialMaxTrendDuration = 20
	minTrendDuration        = 10
	trendDurationSpread     = 20

	nearBoundFactor     = 0.001 // within 0.1% of a bound
	randomReversalProb  = 0.05
	fullReversalProb    = 0.60
	consolidationFactor = 0.3
	trendDrift          = 0.1 // trend perturbation spans [-0.05, 0.05]
	newTrendProb        = 0.03

	maxVolatility       = 0.0008
	clusterThreshold    = 0.8
	clusterGrowth       = 1.1
	calmDecay           = 0.95
	volatilitySpikeProb = 0.02

	momentumDecay = 0.7
	momentumGain  = 30

	randomWeight   = 0.3
	trendWeight    = 0.6
	momentumWeight = 0.4

	meanReversionStrength = 0.05

	boundaryBuffer  = 0.1 // fraction of the band at each edge
	resistanceSlope = 0.8
	minimumResponse = 0.1
)

// Source supplies uniform random numbers in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithSource replaces the default time-seeded generator, e.g. with
// rand.New(rand.NewSource(seed)) for reproducible series.
func WithSource(src Source) Option {
	return func(e *Engine) {
		if src != nil {
			e.rng = src
		}
	}
}

// Engine is the stateful rate generator. One instance is created per
// process and ticked by a scheduler.
type Engine struct {
	cfg Config
	rng Source

	mu sync.Mutex

	current  float64
	previous float64

	trend            float64 // [-1, 1], bearish to bullish
	trendDuration    int
	maxTrendDuration int

	momentum   float64 // [-1, 1]
	volatility float64

	history *ringbuf.Ring[float64]
	updates uint64
}

// New validates cfg and returns an engine positioned at cfg.BaseRate.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:              cfg,
		current:          cfg.BaseRate,
		previous:         cfg.BaseRate,
		maxTrendDuration: initialMaxTrendDuration,
		volatility:       BaseVolatility,
		history:          ringbuf.New[float64](HistorySize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	e.history.Push(cfg.BaseRate)
	return e, nil
}

// MustNew is New for static configurations known to be valid.
func MustNew(cfg Config, opts ...Option) *Engine {
	e, err := New(cfg, opts...)
	if err != nil {
		panic(fmt.Sprintf("rateengine.MustNew: %v", err))
	}
	return e
}

// Config returns the engine's bounds.
func (e *Engine) Config() Config { return e.cfg }

// Next advances the engine by one tick and returns the new rate.
func (e *Engine) Next() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.updates++

	e.updateTrend()
	e.updateVolatility()
	e.updateMomentum()

	random := (e.rng.Float64() - 0.5) * 2
	movement := (random*randomWeight + e.trend*trendWeight + e.momentum*momentumWeight) * e.volatility

	reversion := -(e.current - e.cfg.BaseRate) * meanReversionStrength

	candidate := e.current + movement + reversion
	candidate = e.applySoftBounds(candidate)

	e.previous = e.current
	e.current = e.snap(candidate)
	e.history.Push(e.current)

	return e.current
}

// updateTrend keeps the trend persistent but reverses or dampens it after
// its duration expires, near the band edges, or at random.
func (e *Engine) updateTrend() {
	e.trendDuration++

	reverse := e.trendDuration > e.maxTrendDuration ||
		(e.current >= e.cfg.MaxRate*(1-nearBoundFactor) && e.trend > 0) ||
		(e.current <= e.cfg.MinRate*(1+nearBoundFactor) && e.trend < 0) ||
		e.rng.Float64() < randomReversalProb

	if reverse {
		if e.rng.Float64() < fullReversalProb {
			e.trend = -e.trend * (0.5 + e.rng.Float64()*0.5)
		} else {
			e.trend *= consolidationFactor
		}
		e.trendDuration = 0
		e.maxTrendDuration = minTrendDuration + int(math.Floor(e.rng.Float64()*trendDurationSpread))
	} else {
		e.trend = clamp(e.trend+(e.rng.Float64()-0.5)*trendDrift, -1, 1)
	}

	// A new macro trend occasionally replaces the current one outright.
	if e.rng.Float64() < newTrendProb {
		e.trend = (e.rng.Float64() - 0.5) * 2
		e.trendDuration = 0
	}
}

// updateVolatility grows volatility after large moves (clustering), decays
// it when calm, and occasionally injects a news spike.
func (e *Engine) updateVolatility() {
	recent := math.Abs(e.current - e.previous)

	if recent > e.volatility*clusterThreshold {
		e.volatility = math.Min(maxVolatility, e.volatility*clusterGrowth)
	} else {
		e.volatility = math.Max(BaseVolatility, e.volatility*calmDecay)
	}

	if e.rng.Float64() < volatilitySpikeProb {
		e.volatility = BaseVolatility * (2 + e.rng.Float64()*2)
	}
}

func (e *Engine) updateMomentum() {
	e.momentum = clamp(e.momentum*momentumDecay+(e.current-e.previous)*momentumGain, -1, 1)
}

// applySoftBounds damps movement inside the buffer zone at each edge, from
// full response at the zone's inner edge down to 10% response, then hard
// clamps to the band.
func (e *Engine) applySoftBounds(rate float64) float64 {
	buffer := (e.cfg.MaxRate - e.cfg.MinRate) * boundaryBuffer

	upper := e.cfg.MaxRate - buffer
	if rate > upper {
		excess := rate - upper
		resistance := 1 - (excess/buffer)*resistanceSlope
		rate = upper + excess*math.Max(minimumResponse, resistance)
	}

	lower := e.cfg.MinRate + buffer
	if rate < lower {
		deficit := lower - rate
		resistance := 1 - (deficit/buffer)*resistanceSlope
		rate = lower - deficit*math.Max(minimumResponse, resistance)
	}

	return clamp(rate, e.cfg.MinRate, e.cfg.MaxRate)
}

// snap rounds to 4 decimals without leaving the band when a bound itself
// is not on the 4-decimal grid.
func (e *Engine) snap(rate float64) float64 {
	r := round4(rate)
	if r < e.cfg.MinRate {
		r = ceil4(e.cfg.MinRate)
	}
	if r > e.cfg.MaxRate {
		r = floor4(e.cfg.MaxRate)
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
