// Package quote prices a BDT amount into INR using the engine's base rate
// plus an amount-tiered markup.
package quote

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for non-positive amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// Tier is one row of the pricing table. MaxAmount is nil for the open top tier.
type Tier struct {
	MinAmount float64  `json:"min_amount"`
	MaxAmount *float64 `json:"max_amount"`
	Markup    float64  `json:"markup"`
}

type tier struct {
	min    decimal.Decimal
	markup decimal.Decimal
}

// Ordered by descending minimum so the first match wins.
var tiers = []tier{
	{min: decimal.NewFromInt(5000), markup: decimal.RequireFromString("0.001")},
	{min: decimal.NewFromInt(1000), markup: decimal.RequireFromString("0.003")},
	{min: decimal.Zero, markup: decimal.RequireFromString("0.005")},
}

// Tiers returns the pricing table, lowest tier first.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	for i := range tiers {
		t := tiers[len(tiers)-1-i]
		out[i] = Tier{
			MinAmount: t.min.InexactFloat64(),
			Markup:    t.markup.InexactFloat64(),
		}
		if i > 0 {
			upper := t.min.InexactFloat64()
			out[i-1].MaxAmount = &upper
		}
	}
	return out
}

// Quote is the result of Calculate. ToAmount is a fixed 2-decimal string.
type Quote struct {
	FromAmount   float64 `json:"from_amount"`
	ToAmount     string  `json:"to_amount"`
	ExchangeRate float64 `json:"exchange_rate"`
	BaseRate     float64 `json:"base_rate"`
	Markup       float64 `json:"markup"`
}

// MarkupFor returns the markup applied to amount.
func MarkupFor(amount decimal.Decimal) decimal.Decimal {
	for _, t := range tiers {
		if amount.GreaterThanOrEqual(t.min) {
			return t.markup
		}
	}
	return tiers[len(tiers)-1].markup
}

// Calculate converts amount at baseRate plus the tier markup.
func Calculate(amount, baseRate float64) (Quote, error) {
	if !(amount > 0) {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	if !(baseRate > 0) {
		return Quote{}, fmt.Errorf("quote: base rate must be positive, got %v", baseRate)
	}

	amt := decimal.NewFromFloat(amount)
	base := decimal.NewFromFloat(baseRate)
	markup := MarkupFor(amt)
	rate := base.Add(markup)

	return Quote{
		FromAmount:   amount,
		ToAmount:     amt.Mul(rate).StringFixed(2),
		ExchangeRate: rate.InexactFloat64(),
		BaseRate:     baseRate,
		Markup:       markup.InexactFloat64(),
	}, nil
}
