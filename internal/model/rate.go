package model

import (
	"encoding/json"
	"time"
)

// Market carries the engine's internal dynamics alongside a rate update.
type Market struct {
	Trend      float64 `json:"trend"`
	Volatility float64 `json:"volatility"`
	Momentum   float64 `json:"momentum"`
}

// RateUpdate is produced once per engine tick. Its JSON shape is what the
// dashboard and app expect on the "rate_updated" event.
type RateUpdate struct {
	Pair          string    `json:"pair"` // e.g. "BDT_INR"
	Seq           uint64    `json:"seq"`  // engine update count
	BaseRate      float64   `json:"base_rate"`
	PreviousRate  float64   `json:"previous_rate"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Timestamp     time.Time `json:"timestamp"` // UTC
	Market        Market    `json:"market"`
}

// LatestKey returns the Redis key holding the latest update: "rate:latest:{pair}".
func (u *RateUpdate) LatestKey() string {
	return LatestKey(u.Pair)
}

// StreamKey returns the Redis stream key: "rate:stream:{pair}".
func (u *RateUpdate) StreamKey() string {
	return StreamKey(u.Pair)
}

// PubSubChannel returns the PubSub channel: "pub:rate:{pair}".
func (u *RateUpdate) PubSubChannel() string {
	return PubSubChannel(u.Pair)
}

// JSON returns the JSON-encoded update.
func (u *RateUpdate) JSON() []byte {
	b, _ := json.Marshal(u)
	return b
}

// Point converts the update into a chart point.
func (u *RateUpdate) Point() RatePoint {
	return RatePoint{
		Rate:       u.BaseRate,
		Timestamp:  u.Timestamp,
		Trend:      TrendLabel(u.Market.Trend),
		Volatility: u.Market.Volatility,
	}
}

func LatestKey(pair string) string     { return "rate:latest:" + pair }
func StreamKey(pair string) string     { return "rate:stream:" + pair }
func PubSubChannel(pair string) string { return "pub:rate:" + pair }

// PubSubPattern matches every pair's update channel.
const PubSubPattern = "pub:rate:*"

// RatePoint is one entry of the chart history.
type RatePoint struct {
	Rate       float64   `json:"rate"`
	Timestamp  time.Time `json:"timestamp"`
	HoursAgo   int       `json:"hoursAgo"`
	Trend      string    `json:"trend,omitempty"`
	Volatility float64   `json:"volatility,omitempty"`
}

// TrendLabel describes a trend value for display.
func TrendLabel(trend float64) string {
	switch {
	case trend > 0.3:
		return "bullish"
	case trend < -0.3:
		return "bearish"
	default:
		return "neutral"
	}
}

// VolatilityLevel buckets the engine volatility into High/Medium/Low.
func VolatilityLevel(vol float64) string {
	switch {
	case vol > 0.0005:
		return "High"
	case vol > 0.0003:
		return "Medium"
	default:
		return "Low"
	}
}

// NumberHoursAgo sets HoursAgo on each point relative to the newest one,
// assuming points are hourly and ordered oldest first.
func NumberHoursAgo(points []RatePoint) {
	for i := range points {
		points[i].HoursAgo = len(points) - 1 - i
	}
}
