// Package ratefeed drives a rateengine.Engine on a fixed interval and fans
// each tick out to subscribers (WebSocket hub, Redis and SQLite sinks).
package ratefeed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"bdpayx-rates/internal/logger"
	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/notification"
	"bdpayx-rates/internal/rateengine"
	"bdpayx-rates/internal/ringbuf"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultChartPoints = 24
	DefaultChartStep   = time.Hour

	// logThreshold is the |change%| above which a tick is logged at info.
	logThreshold = 0.005
	// spikeFactor × base volatility marks a volatility spike.
	spikeFactor = 2.0
)

// Options configures a Service.
type Options struct {
	Pair        string
	Interval    time.Duration // default 15s
	ChartPoints int           // hourly chart length, default 24

	// Notifier receives band-touch and volatility-spike alerts. Nil disables
	// alerting. Wrap it in notification.Throttled to rate-limit.
	Notifier notification.Notifier

	// EngineOptions are reapplied when Reconfigure builds a new engine.
	EngineOptions []rateengine.Option

	// Clock stamps updates. Defaults to time.Now; offline simulations pass
	// a simulated clock.
	Clock func() time.Time
}

type subscriber struct {
	id int64
	ch chan model.RateUpdate
}

// Service owns the engine and the subscriber set.
type Service struct {
	opts Options
	now  func() time.Time

	mu          sync.RWMutex
	engine      *rateengine.Engine
	latest      model.RateUpdate
	hasLatest   bool
	chart       *ringbuf.Ring[model.RatePoint]
	subscribers []subscriber
	nextID      int64
	seq         uint64

	// OnDrop is called when an update is dropped for a slow subscriber.
	OnDrop func(subscriberID int64)
	// OnTick is called synchronously after every tick, before fan-out.
	OnTick func(u model.RateUpdate, elapsed time.Duration)
}

// New wraps engine in a Service. engine must not be nil.
func New(engine *rateengine.Engine, opts Options) *Service {
	if opts.Pair == "" {
		opts.Pair = "BDT_INR"
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ChartPoints <= 0 {
		opts.ChartPoints = DefaultChartPoints
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		opts:   opts,
		now:    opts.Clock,
		engine: engine,
		chart:  ringbuf.New[model.RatePoint](opts.ChartPoints),
	}
}

// Pair returns the currency pair this feed publishes.
func (s *Service) Pair() string { return s.opts.Pair }

// Interval returns the tick interval.
func (s *Service) Interval() time.Duration { return s.opts.Interval }

// Engine returns the engine currently driven by the service.
func (s *Service) Engine() *rateengine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Latest returns the most recent update, if any tick has happened.
func (s *Service) Latest() (model.RateUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}

// Chart returns the hourly chart points, oldest first, with HoursAgo set.
func (s *Service) Chart() []model.RatePoint {
	s.mu.RLock()
	pts := s.chart.Last(s.chart.Len())
	s.mu.RUnlock()
	model.NumberHoursAgo(pts)
	return pts
}

// Subscribe registers a new subscriber with the given channel buffer.
func (s *Service) Subscribe(buf int) (int64, <-chan model.RateUpdate) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan model.RateUpdate, buf)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers = append(s.subscribers, subscriber{id: id, ch: ch})
	s.mu.Unlock()
	return id, ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (s *Service) Unsubscribe(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub.id == id {
			close(sub.ch)
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// Reconfigure validates cfg, builds a fresh engine with it and swaps it in.
// The running engine is untouched when cfg is invalid.
func (s *Service) Reconfigure(cfg rateengine.Config) error {
	eng, err := rateengine.New(cfg, s.opts.EngineOptions...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	slog.Info("rate band reconfigured",
		slog.String("pair", s.opts.Pair),
		slog.Float64("base", cfg.BaseRate),
		slog.Float64("min", cfg.MinRate),
		slog.Float64("max", cfg.MaxRate),
	)
	return nil
}

// Warmup ticks the engine n times and back-dates the results step apart,
// ending now, into the chart. n <= 0 selects the chart length.
func (s *Service) Warmup(n int, step time.Duration) []model.RatePoint {
	if n <= 0 {
		n = s.opts.ChartPoints
	}
	if step <= 0 {
		step = DefaultChartStep
	}
	now := s.now().UTC()

	s.mu.Lock()
	eng := s.engine
	for i := n - 1; i >= 0; i-- {
		rate := eng.Next()
		st := eng.Stats()
		s.chart.Push(model.RatePoint{
			Rate:       rate,
			Timestamp:  now.Add(-time.Duration(i) * step),
			Trend:      model.TrendLabel(st.Trend),
			Volatility: st.Volatility,
		})
	}
	s.mu.Unlock()

	pts := s.Chart()
	if len(pts) > n {
		pts = pts[len(pts)-n:]
	}
	return pts
}

// Run ticks immediately, then every Interval until ctx is cancelled. All
// subscriber channels are closed on return.
func (s *Service) Run(ctx context.Context) {
	slog.Info("rate feed started",
		slog.String("pair", s.opts.Pair),
		slog.Duration("interval", s.opts.Interval),
	)
	defer s.closeAll()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("rate feed stopped", slog.String("pair", s.opts.Pair))
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick advances the engine once, publishes the update and returns it.
func (s *Service) Tick(ctx context.Context) model.RateUpdate {
	start := time.Now()

	s.mu.Lock()
	eng := s.engine
	eng.Next()
	st := eng.Stats()
	cfg := eng.Config()
	s.seq++
	u := model.RateUpdate{
		Pair:          s.opts.Pair,
		Seq:           s.seq,
		BaseRate:      st.Current,
		PreviousRate:  st.Previous,
		Change:        st.Change,
		ChangePercent: st.ChangePercent,
		Timestamp:     s.now().UTC(),
		Market: model.Market{
			Trend:      st.Trend,
			Volatility: st.Volatility,
			Momentum:   st.Momentum,
		},
	}
	s.latest = u
	s.hasLatest = true
	s.chart.Push(u.Point())
	s.mu.Unlock()

	ctx = logger.WithTickID(ctx, logger.FormatTickID(u.Pair, u.Seq))
	logTick(ctx, u)

	if s.OnTick != nil {
		s.OnTick(u, time.Since(start))
	}
	s.publish(u)
	s.checkAlerts(ctx, u, cfg)
	return u
}

func (s *Service) publish(u model.RateUpdate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- u:
		default:
			if s.OnDrop != nil {
				s.OnDrop(sub.id)
			} else {
				slog.Warn("subscriber full, dropping update",
					slog.Int64("subscriber", sub.id),
					slog.Uint64("seq", u.Seq),
				)
			}
		}
	}
}

func (s *Service) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		close(sub.ch)
	}
	s.subscribers = nil
}

func logTick(ctx context.Context, u model.RateUpdate) {
	args := append(logger.LogWithTick(ctx),
		slog.String("pair", u.Pair),
		slog.String("rate", fmt.Sprintf("%.4f", u.BaseRate)),
		slog.String("change_pct", fmt.Sprintf("%+.3f", u.ChangePercent)),
		slog.String("trend", model.TrendLabel(u.Market.Trend)),
		slog.String("trend_value", fmt.Sprintf("%.2f", u.Market.Trend)),
		slog.String("vol_bps", fmt.Sprintf("%.1f", u.Market.Volatility*10000)),
	)
	level := slog.LevelDebug
	if math.Abs(u.ChangePercent) > logThreshold {
		level = slog.LevelInfo
	}
	slog.Log(ctx, level, "rate tick", args...)
}

// checkAlerts notifies on band touches and volatility spikes.
func (s *Service) checkAlerts(ctx context.Context, u model.RateUpdate, cfg rateengine.Config) {
	if s.opts.Notifier == nil {
		return
	}
	lo, hi := cfg.GridBounds()

	var alerts []notification.Alert
	switch {
	case u.BaseRate >= hi:
		alerts = append(alerts, notification.Alert{
			Level:   notification.AlertWarning,
			Kind:    "band_upper",
			Title:   fmt.Sprintf("%s at upper bound", u.Pair),
			Message: fmt.Sprintf("rate %.4f reached max %.4f", u.BaseRate, cfg.MaxRate),
		})
	case u.BaseRate <= lo:
		alerts = append(alerts, notification.Alert{
			Level:   notification.AlertWarning,
			Kind:    "band_lower",
			Title:   fmt.Sprintf("%s at lower bound", u.Pair),
			Message: fmt.Sprintf("rate %.4f reached min %.4f", u.BaseRate, cfg.MinRate),
		})
	}
	if u.Market.Volatility > spikeFactor*rateengine.BaseVolatility {
		alerts = append(alerts, notification.Alert{
			Level:   notification.AlertInfo,
			Kind:    "volatility_spike",
			Title:   fmt.Sprintf("%s volatility spike", u.Pair),
			Message: fmt.Sprintf("volatility %.1f bps (%s), rate %.4f", u.Market.Volatility*10000, model.VolatilityLevel(u.Market.Volatility), u.BaseRate),
		})
	}

	for _, a := range alerts {
		if err := s.opts.Notifier.Send(ctx, a); err != nil {
			slog.Warn("alert delivery failed", slog.String("kind", a.Kind), slog.Any("error", err))
		}
	}
}
