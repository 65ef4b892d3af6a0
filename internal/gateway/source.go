package gateway

import (
	"context"
	"sync"
	"time"

	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/rateengine"
	"bdpayx-rates/internal/ratefeed"
	"bdpayx-rates/internal/ringbuf"
)

// RateSource is what the REST handlers read. It is served either by the
// in-process feed (FeedSource) or by updates relayed through Redis
// (RemoteSource).
type RateSource interface {
	Latest() (model.RateUpdate, bool)
	Stats() rateengine.Stats
	History(n int) []float64
	Chart() []model.RatePoint
	Config() rateengine.Config
}

// Admin applies band changes from POST /api/admin/rates.
type Admin interface {
	Reconfigure(cfg rateengine.Config) error
}

// FeedSource adapts a *ratefeed.Service to RateSource and Admin.
type FeedSource struct {
	svc *ratefeed.Service
}

// NewFeedSource wraps svc.
func NewFeedSource(svc *ratefeed.Service) *FeedSource {
	return &FeedSource{svc: svc}
}

func (f *FeedSource) Latest() (model.RateUpdate, bool)        { return f.svc.Latest() }
func (f *FeedSource) Stats() rateengine.Stats                 { return f.svc.Engine().Stats() }
func (f *FeedSource) History(n int) []float64                 { return f.svc.Engine().History(n) }
func (f *FeedSource) Chart() []model.RatePoint                { return f.svc.Chart() }
func (f *FeedSource) Config() rateengine.Config               { return f.svc.Engine().Config() }
func (f *FeedSource) Reconfigure(cfg rateengine.Config) error { return f.svc.Reconfigure(cfg) }

// ConfigSaver persists a band so the engine process picks it up.
// *redis.Writer satisfies it.
type ConfigSaver interface {
	SaveConfig(ctx context.Context, pair string, cfg rateengine.Config) error
}

// RemoteSource rebuilds engine statistics from relayed updates. Trend,
// volatility and momentum come from the latest update; the 20-tick window
// and chart are rebuilt from the updates seen so far.
type RemoteSource struct {
	pair        string
	saver       ConfigSaver
	chartPoints int

	mu      sync.RWMutex
	latest  model.RateUpdate
	has     bool
	history *ringbuf.Ring[float64]
	chart   []model.RatePoint
	cfg     rateengine.Config
}

// NewRemoteSource creates a source for pair. saver may be nil, in which case
// Reconfigure only validates and records the band locally.
func NewRemoteSource(pair string, cfg rateengine.Config, saver ConfigSaver) *RemoteSource {
	return &RemoteSource{
		pair:        pair,
		saver:       saver,
		chartPoints: ratefeed.DefaultChartPoints,
		history:     ringbuf.New[float64](rateengine.HistorySize),
		cfg:         cfg,
	}
}

// Observe records u and reports whether it was accepted. Updates for other
// pairs or no newer than the latest are ignored.
func (s *RemoteSource) Observe(u model.RateUpdate) bool {
	if u.Pair != s.pair {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.has && u.Seq <= s.latest.Seq && !u.Timestamp.After(s.latest.Timestamp) {
		return false
	}
	s.latest = u
	s.has = true
	s.history.Push(u.BaseRate)

	p := u.Point()
	hour := p.Timestamp.Truncate(time.Hour)
	if n := len(s.chart); n > 0 && s.chart[n-1].Timestamp.Truncate(time.Hour).Equal(hour) {
		s.chart[n-1] = p
		return true
	}
	s.chart = append(s.chart, p)
	if len(s.chart) > s.chartPoints {
		s.chart = s.chart[len(s.chart)-s.chartPoints:]
	}
	return true
}

// SetChart replaces the hourly chart, e.g. with points read from SQLite.
func (s *RemoteSource) SetChart(points []model.RatePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chart = append([]model.RatePoint(nil), points...)
	if len(s.chart) > s.chartPoints {
		s.chart = s.chart[len(s.chart)-s.chartPoints:]
	}
}

// SetConfig records a band announced by the engine process. An invalid
// band is rejected and the current one kept.
func (s *RemoteSource) SetConfig(cfg rateengine.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *RemoteSource) Latest() (model.RateUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}

func (s *RemoteSource) Stats() rateengine.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := s.latest
	if !s.has {
		u.BaseRate, u.PreviousRate = s.cfg.BaseRate, s.cfg.BaseRate
	}
	avg, high, low := rateengine.WindowStats(s.history.Last(rateengine.StatsWindow))
	if s.history.Len() == 0 {
		avg, high, low = u.BaseRate, u.BaseRate, u.BaseRate
	}
	return rateengine.Stats{
		Current:       u.BaseRate,
		Previous:      u.PreviousRate,
		Change:        u.BaseRate - u.PreviousRate,
		ChangePercent: rateengine.ChangePercent(u.PreviousRate, u.BaseRate),
		Trend:         u.Market.Trend,
		Volatility:    u.Market.Volatility,
		Momentum:      u.Market.Momentum,
		Avg20:         avg,
		High20:        high,
		Low20:         low,
		Updates:       u.Seq,
	}
}

func (s *RemoteSource) History(n int) []float64 {
	if n <= 0 {
		n = rateengine.DefaultHistoryCount
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Last(n)
}

func (s *RemoteSource) Chart() []model.RatePoint {
	s.mu.RLock()
	pts := append([]model.RatePoint(nil), s.chart...)
	s.mu.RUnlock()
	model.NumberHoursAgo(pts)
	return pts
}

func (s *RemoteSource) Config() rateengine.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reconfigure validates cfg and hands it to the saver, which announces it
// to the engine process.
func (s *RemoteSource) Reconfigure(cfg rateengine.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.saver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.saver.SaveConfig(ctx, s.pair, cfg); err != nil {
			return err
		}
	}
	return s.SetConfig(cfg)
}
