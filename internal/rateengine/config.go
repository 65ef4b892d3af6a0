package rateengine

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is returned (wrapped) by New and Config.Validate when the
// bounds cannot produce a well-defined rate series.
var ErrInvalidConfig = errors.New("rateengine: invalid config")

// Config holds the immutable bounds of an engine instance.
type Config struct {
	BaseRate float64 `json:"base_rate"`
	MinRate  float64 `json:"min_rate"`
	MaxRate  float64 `json:"max_rate"`
}

// DefaultConfig is the BDT→INR band the service has always quoted.
func DefaultConfig() Config {
	return Config{BaseRate: 0.70, MinRate: 0.6980, MaxRate: 0.7020}
}

// Validate checks that all bounds are finite and positive, that
// MinRate < MaxRate, that BaseRate lies inside the band, and that the band
// contains at least one 4-decimal price.
func (c Config) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"base_rate", c.BaseRate},
		{"min_rate", c.MinRate},
		{"max_rate", c.MaxRate},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidConfig, f.name)
		}
		if f.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, f.name, f.v)
		}
	}
	if c.MinRate >= c.MaxRate {
		return fmt.Errorf("%w: min_rate %v must be below max_rate %v", ErrInvalidConfig, c.MinRate, c.MaxRate)
	}
	if c.BaseRate < c.MinRate || c.BaseRate > c.MaxRate {
		return fmt.Errorf("%w: base_rate %v outside [%v, %v]", ErrInvalidConfig, c.BaseRate, c.MinRate, c.MaxRate)
	}
	if ceil4(c.MinRate) > floor4(c.MaxRate) {
		return fmt.Errorf("%w: band [%v, %v] holds no 4-decimal price", ErrInvalidConfig, c.MinRate, c.MaxRate)
	}
	return nil
}

// gridEpsilon absorbs float error when snapping bounds to the 4-decimal grid.
const gridEpsilon = 1e-9

func round4(v float64) float64 { return math.Round(v*scale) / scale }
func ceil4(v float64) float64  { return math.Ceil(v*scale-gridEpsilon) / scale }
func floor4(v float64) float64 { return math.Floor(v*scale+gridEpsilon) / scale }

// GridBounds returns the lowest and highest 4-decimal prices the engine can
// publish for this band.
func (c Config) GridBounds() (lo, hi float64) {
	return ceil4(c.MinRate), floor4(c.MaxRate)
}
