package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRateUpdate_JSONShape(t *testing.T) {
	u := RateUpdate{
		Pair:          "BDT_INR",
		Seq:           3,
		BaseRate:      0.7003,
		PreviousRate:  0.7001,
		Change:        0.0002,
		ChangePercent: 0.0286,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Market:        Market{Trend: 0.4, Volatility: 0.0003, Momentum: 0.006},
	}

	var got map[string]any
	if err := json.Unmarshal(u.JSON(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"base_rate", "previous_rate", "change", "changePercent", "timestamp", "market"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing key %q in %v", key, got)
		}
	}
	market, ok := got["market"].(map[string]any)
	if !ok {
		t.Fatalf("market is not an object: %v", got["market"])
	}
	for _, key := range []string{"trend", "volatility", "momentum"} {
		if _, ok := market[key]; !ok {
			t.Errorf("missing market.%s", key)
		}
	}
}

func TestRateUpdate_Keys(t *testing.T) {
	u := RateUpdate{Pair: "BDT_INR"}
	if got := u.LatestKey(); got != "rate:latest:BDT_INR" {
		t.Errorf("LatestKey = %q", got)
	}
	if got := u.StreamKey(); got != "rate:stream:BDT_INR" {
		t.Errorf("StreamKey = %q", got)
	}
	if got := u.PubSubChannel(); got != "pub:rate:BDT_INR" {
		t.Errorf("PubSubChannel = %q", got)
	}
}

func TestTrendLabel(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.8, "bullish"}, {0.31, "bullish"}, {0.3, "neutral"}, {0, "neutral"}, {-0.3, "neutral"}, {-0.5, "bearish"},
	}
	for _, tc := range cases {
		if got := TrendLabel(tc.in); got != tc.want {
			t.Errorf("TrendLabel(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVolatilityLevel(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.0002, "Low"}, {0.0003, "Low"}, {0.0004, "Medium"}, {0.0006, "High"},
	}
	for _, tc := range cases {
		if got := VolatilityLevel(tc.in); got != tc.want {
			t.Errorf("VolatilityLevel(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNumberHoursAgo(t *testing.T) {
	pts := make([]RatePoint, 4)
	NumberHoursAgo(pts)
	for i, p := range pts {
		if p.HoursAgo != 3-i {
			t.Errorf("pts[%d].HoursAgo = %d, want %d", i, p.HoursAgo, 3-i)
		}
	}
}
