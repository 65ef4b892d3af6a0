package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bdpayx-rates/internal/model"
)

// Metrics holds all Prometheus metrics for the rate service.
type Metrics struct {
	// Engine
	TicksTotal  prometheus.Counter
	TickDur     prometheus.Histogram
	CurrentRate *prometheus.GaugeVec // labels: pair
	Trend       *prometheus.GaugeVec // labels: pair
	Volatility  *prometheus.GaugeVec // labels: pair
	Momentum    *prometheus.GaugeVec // labels: pair
	Reconfigs   prometheus.Counter

	// Feed backpressure
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber

	// Alerts
	AlertsTotal *prometheus.CounterVec // labels: kind

	// Sinks
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Gateway
	WSClients     prometheus.Gauge
	E2ELatency    prometheus.Histogram   // tick-to-WS-emit latency
	HTTPRequests  *prometheus.CounterVec // labels: route, code
	QuotesTotal   *prometheus.CounterVec // labels: tier
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	AdminRejected prometheus.Counter
}

// NewMetrics registers all metrics on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rateengine_ticks_total",
			Help: "Total engine ticks",
		}),
		TickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rateengine_tick_duration_seconds",
			Help:    "Engine tick latency including fan-out",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		CurrentRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rateengine_current_rate",
			Help: "Latest published rate",
		}, []string{"pair"}),
		Trend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rateengine_trend",
			Help: "Engine trend in [-1, 1]",
		}, []string{"pair"}),
		Volatility: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rateengine_volatility",
			Help: "Engine volatility",
		}, []string{"pair"}),
		Momentum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rateengine_momentum",
			Help: "Engine momentum in [-1, 1]",
		}, []string{"pair"}),
		Reconfigs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rateengine_reconfigurations_total",
			Help: "Admin band changes applied",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratefeed_fanout_drops_total",
			Help: "Updates dropped per slow subscriber",
		}, []string{"subscriber"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratefeed_alerts_total",
			Help: "Alerts delivered by kind",
		}, []string{"kind"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratestore_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratestore_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratestore_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratestore_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratestore_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		E2ELatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_e2e_latency_seconds",
			Help:    "Latency from engine tick to WS emit",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "REST requests by route and status code",
		}, []string{"route", "code"}),
		QuotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_quotes_total",
			Help: "Quotes calculated by markup tier",
		}, []string{"tier"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_cache_hits_total",
			Help: "Rate responses served from cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_cache_misses_total",
			Help: "Rate responses rebuilt",
		}),
		AdminRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_admin_rejected_total",
			Help: "Admin requests rejected (bad OTP or invalid band)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickDur,
		m.CurrentRate,
		m.Trend,
		m.Volatility,
		m.Momentum,
		m.Reconfigs,
		m.FanoutDropsTotal,
		m.AlertsTotal,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.WSClients,
		m.E2ELatency,
		m.HTTPRequests,
		m.QuotesTotal,
		m.CacheHits,
		m.CacheMisses,
		m.AdminRejected,
	)

	return m
}

// ObserveUpdate records the per-tick gauges for u.
func (m *Metrics) ObserveUpdate(u model.RateUpdate) {
	m.TicksTotal.Inc()
	m.CurrentRate.WithLabelValues(u.Pair).Set(u.BaseRate)
	m.Trend.WithLabelValues(u.Pair).Set(u.Market.Trend)
	m.Volatility.WithLabelValues(u.Pair).Set(u.Market.Volatility)
	m.Momentum.WithLabelValues(u.Pair).Set(u.Market.Momentum)
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	// StaleAfter marks the feed degraded when no tick arrived within it.
	StaleAfter time.Duration

	LastTickTime   time.Time `json:"last_tick_time"`
	LastRate       float64   `json:"last_rate"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteEnabled  bool      `json:"sqlite_enabled"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(staleAfter time.Duration) *HealthStatus {
	return &HealthStatus{
		StaleAfter: staleAfter,
		StartedAt:  time.Now(),
	}
}

func (h *HealthStatus) RecordTick(u model.RateUpdate) {
	h.mu.Lock()
	h.LastTickTime = u.Timestamp
	h.LastRate = u.BaseRate
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Report is the JSON body served by ServeHTTP.
type Report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	LastTickTime    string  `json:"last_tick_time"`
	TickAge         string  `json:"tick_age"`
	LastRate        float64 `json:"last_rate"`
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteEnabled   bool    `json:"sqlite_enabled"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at"`
}

// Report computes the overall status: "healthy", "degraded" when the feed
// is stale or an enabled sink is down, "unhealthy" when no tick was ever
// produced.
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	stale := h.StaleAfter > 0 && time.Since(h.LastTickTime) > h.StaleAfter
	if stale || (h.RedisEnabled && !h.RedisConnected) || (h.SQLiteEnabled && !h.SQLiteOK) {
		status = "degraded"
	}
	if h.LastTickTime.IsZero() {
		status = "unhealthy"
	}

	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}
	lastCheck := ""
	if !h.LastCheckAt.IsZero() {
		lastCheck = h.LastCheckAt.Format(time.RFC3339)
	}

	return Report{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LastTickTime:    lastTick,
		TickAge:         tickAge,
		LastRate:        h.LastRate,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     lastCheck,
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Report()

	w.Header().Set("Content-Type", "application/json")
	if report.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
