package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"bdpayx-rates/internal/metrics"
	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/quote"
	"bdpayx-rates/internal/rateengine"
)

// DefaultCacheTTL is how long /api/exchange/rate responses are reused.
const DefaultCacheTTL = 3 * time.Second

// ServerConfig configures the REST handlers.
type ServerConfig struct {
	Provider   string        // reported in /api/exchange/rate
	CacheTTL   time.Duration // default 3s
	TOTPSecret string        // when set, admin calls need a valid X-Admin-OTP
}

// Server serves the exchange REST API and the /ws endpoint.
type Server struct {
	cfg    ServerConfig
	source RateSource
	hub    *Hub
	cache  rateCache
	start  time.Time
	now    func() time.Time

	// Admin enables /api/admin/rates when set.
	Admin Admin
	// Metrics is optional.
	Metrics *metrics.Metrics
	// OnReconfigure runs after a successful admin band change.
	OnReconfigure func(cfg rateengine.Config)
}

// NewServer creates a Server reading from source and serving WS clients
// from hub.
func NewServer(cfg ServerConfig, source RateSource, hub *Hub) *Server {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Provider == "" {
		cfg.Provider = "bdpayx-rate-engine"
	}
	return &Server{
		cfg:    cfg,
		source: source,
		hub:    hub,
		cache:  rateCache{ttl: cfg.CacheTTL},
		start:  time.Now(),
		now:    time.Now,
	}
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-OTP")
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.hub.HandleWS)

	s.handle(mux, "/api/exchange/rate", http.MethodGet, s.handleRate)
	s.handle(mux, "/api/exchange/market-stats", http.MethodGet, s.handleMarketStats)
	s.handle(mux, "/api/exchange/rate-history", http.MethodGet, s.handleRateHistory)
	s.handle(mux, "/api/exchange/pricing-tiers", http.MethodGet, s.handlePricingTiers)
	s.handle(mux, "/api/exchange/calculate", http.MethodPost, s.handleCalculate)
	s.handle(mux, "/api/missed", http.MethodGet, s.handleMissed)
	s.handle(mux, "/api/health", http.MethodGet, s.handleHealth)
	s.handle(mux, "/api/metrics", http.MethodGet, s.handleMetrics)
	if s.Admin != nil {
		s.handle(mux, "/api/admin/rates", "", s.handleAdminRates)
	}
}

// handle wraps h with CORS, OPTIONS preflight, a method check (empty
// allows any) and request counting.
func (s *Server) handle(mux *http.ServeMux, route, method string, h http.HandlerFunc) {
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		switch {
		case r.Method == http.MethodOptions:
			rec.WriteHeader(http.StatusNoContent)
		case method != "" && r.Method != method:
			writeError(rec, http.StatusMethodNotAllowed, "method not allowed")
		default:
			h(rec, r)
		}

		if s.Metrics != nil {
			s.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// RateResponse is the /api/exchange/rate body.
type RateResponse struct {
	BaseRate  float64   `json:"base_rate"`
	BDTToINR  float64   `json:"bdtToInr"`
	UpdatedAt time.Time `json:"updatedAt"`
	Provider  string    `json:"provider"`
	History   []float64 `json:"history"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.source.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "rate not available yet")
		return
	}

	now := s.now()
	if body, ok := s.cache.get(latest.Seq, now); ok {
		if s.Metrics != nil {
			s.Metrics.CacheHits.Inc()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		return
	}

	body, err := json.Marshal(RateResponse{
		BaseRate:  latest.BaseRate,
		BDTToINR:  latest.BaseRate,
		UpdatedAt: latest.Timestamp,
		Provider:  s.cfg.Provider,
		History:   s.source.History(3),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	body = append(body, '\n')
	s.cache.put(latest.Seq, body, now)
	if s.Metrics != nil {
		s.Metrics.CacheMisses.Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// MarketStatistics is the "statistics" object of /api/exchange/market-stats.
type MarketStatistics struct {
	Change           float64 `json:"change"`
	ChangePercent    float64 `json:"changePercent"`
	Trend            float64 `json:"trend"`
	TrendDescription string  `json:"trendDescription"`
	Volatility       float64 `json:"volatility"`
	VolatilityLevel  string  `json:"volatilityLevel"`
	Momentum         float64 `json:"momentum"`
	Avg20            float64 `json:"avg20"`
	High20           float64 `json:"high20"`
	Low20            float64 `json:"low20"`
}

func (s *Server) handleMarketStats(w http.ResponseWriter, r *http.Request) {
	st := s.source.Stats()
	latest, _ := s.source.Latest()

	label := model.TrendLabel(st.Trend)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_rate": st.Current,
		"statistics": MarketStatistics{
			Change:           st.Change,
			ChangePercent:    st.ChangePercent,
			Trend:            st.Trend,
			TrendDescription: strings.ToUpper(label[:1]) + label[1:],
			Volatility:       st.Volatility,
			VolatilityLevel:  model.VolatilityLevel(st.Volatility),
			Momentum:         st.Momentum,
			Avg20:            st.Avg20,
			High20:           st.High20,
			Low20:            st.Low20,
		},
		"recent_history": s.source.History(rateengine.StatsWindow),
		"last_updated":   latest.Timestamp,
	})
}

func (s *Server) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	cfg := s.source.Config()
	latest, _ := s.source.Latest()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history":      s.source.Chart(),
		"current_rate": s.source.Stats().Current,
		"base_rate":    cfg.BaseRate,
		"min_rate":     cfg.MinRate,
		"max_rate":     cfg.MaxRate,
		"last_updated": latest.Timestamp,
	})
}

func (s *Server) handlePricingTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, quote.Tiers())
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}

	q, err := quote.Calculate(req.Amount, s.source.Stats().Current)
	if errors.Is(err, quote.ErrInvalidAmount) {
		writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if s.Metrics != nil {
		tier := quote.MarkupFor(decimal.NewFromFloat(req.Amount)).String()
		s.Metrics.QuotesTotal.WithLabelValues(tier).Inc()
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err1 != nil || err2 != nil || from <= 0 || to < from {
		writeError(w, http.StatusBadRequest, "from and to must be positive seqs with from <= to")
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Missed(from, to))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.source.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"timestamp":    s.now().UTC().Format(time.RFC3339Nano),
		"uptime":       time.Since(s.start).Seconds(),
		"current_rate": st.Current,
		"rate_history": s.source.History(rateengine.DefaultHistoryCount),
		"ws_clients":   s.hub.ClientCount(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CollectMetrics(s.start, s.hub))
}

// handleAdminRates returns the band on GET and replaces it on POST.
func (s *Server) handleAdminRates(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TOTPSecret != "" && !totp.Validate(r.Header.Get("X-Admin-OTP"), s.cfg.TOTPSecret) {
		s.rejectAdmin()
		writeError(w, http.StatusUnauthorized, "invalid or missing X-Admin-OTP")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.source.Config())
	case http.MethodPost:
		var cfg rateengine.Config
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&cfg); err != nil {
			s.rejectAdmin()
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := s.Admin.Reconfigure(cfg); err != nil {
			if errors.Is(err, rateengine.ErrInvalidConfig) {
				s.rejectAdmin()
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("reconfigure: %v", err))
			return
		}

		log.Printf("[gateway] rate band updated: base=%.4f min=%.4f max=%.4f", cfg.BaseRate, cfg.MinRate, cfg.MaxRate)
		if s.Metrics != nil {
			s.Metrics.Reconfigs.Inc()
		}
		if s.OnReconfigure != nil {
			s.OnReconfigure(cfg)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "config": cfg})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) rejectAdmin() {
	if s.Metrics != nil {
		s.Metrics.AdminRejected.Inc()
	}
}
