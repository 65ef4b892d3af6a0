package quote

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate_Tiers(t *testing.T) {
	cases := []struct {
		name       string
		amount     float64
		wantMarkup float64
		wantTo     string
	}{
		{"small", 500, 0.005, "352.50"},
		{"just_below_mid", 999.99, 0.005, "704.99"},
		{"mid_lower_edge", 1000, 0.003, "703.00"},
		{"mid", 2500, 0.003, "1757.50"},
		{"large_edge", 5000, 0.001, "3505.00"},
		{"large", 12000, 0.001, "8412.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := Calculate(tc.amount, 0.70)
			require.NoError(t, err)
			assert.Equal(t, tc.wantMarkup, q.Markup)
			assert.Equal(t, tc.wantTo, q.ToAmount)
			assert.InDelta(t, 0.70+tc.wantMarkup, q.ExchangeRate, 1e-12)
			assert.Equal(t, 0.70, q.BaseRate)
			assert.Equal(t, tc.amount, q.FromAmount)
		})
	}
}

func TestCalculate_RejectsNonPositiveAmount(t *testing.T) {
	for _, amt := range []float64{0, -10, math.NaN()} {
		_, err := Calculate(amt, 0.70)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidAmount), "amount %v: got %v", amt, err)
	}
}

func TestCalculate_RejectsNonPositiveRate(t *testing.T) {
	_, err := Calculate(100, 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidAmount))
}

func TestTiers_Table(t *testing.T) {
	got := Tiers()
	require.Len(t, got, 3)

	assert.Equal(t, 0.0, got[0].MinAmount)
	require.NotNil(t, got[0].MaxAmount)
	assert.Equal(t, 1000.0, *got[0].MaxAmount)
	assert.Equal(t, 0.005, got[0].Markup)

	assert.Equal(t, 1000.0, got[1].MinAmount)
	require.NotNil(t, got[1].MaxAmount)
	assert.Equal(t, 5000.0, *got[1].MaxAmount)

	assert.Equal(t, 5000.0, got[2].MinAmount)
	assert.Nil(t, got[2].MaxAmount)
	assert.Equal(t, 0.001, got[2].Markup)
}

func TestMarkupFor(t *testing.T) {
	assert.True(t, MarkupFor(decimal.NewFromInt(1)).Equal(decimal.RequireFromString("0.005")))
	assert.True(t, MarkupFor(decimal.NewFromInt(4999)).Equal(decimal.RequireFromString("0.003")))
	assert.True(t, MarkupFor(decimal.NewFromInt(1_000_000)).Equal(decimal.RequireFromString("0.001")))
}
