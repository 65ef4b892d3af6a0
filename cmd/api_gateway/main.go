// cmd/api_gateway serves the exchange REST API and WebSocket feed from
// updates a rateserver publishes to Redis. Run several behind a load
// balancer; admin band changes are forwarded to the engine over Redis.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bdpayx-rates/config"
	"bdpayx-rates/internal/gateway"
	"bdpayx-rates/internal/logger"
	"bdpayx-rates/internal/metrics"
	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/rateengine"
	redisstore "bdpayx-rates/internal/store/redis"
	sqlitestore "bdpayx-rates/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[api_gateway] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[api_gateway] %v", err)
	}
	logger.Init("api_gateway", cfg.LogLevel)
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(3 * cfg.TickInterval)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Redis ----
	reader, err := redisstore.NewReader(redisstore.ReaderConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Fatalf("[api_gateway] redis connection failed: %v", err)
	}
	defer reader.Close()
	health.SetRedisConnected(true)

	var saver gateway.ConfigSaver
	writer, err := redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Printf("[api_gateway] WARNING: redis writer init failed: %v (admin changes stay local)", err)
	} else {
		defer writer.Close()
		saver = writer
	}

	band := cfg.Engine
	if saved, err := reader.LoadConfig(ctx, cfg.Pair); err == nil {
		band = saved
	} else if !errors.Is(err, redisstore.ErrNotFound) {
		log.Printf("[api_gateway] load band: %v", err)
	}

	src := gateway.NewRemoteSource(cfg.Pair, band, saver)

	// ---- Seed from the stream, chart from the archive ----
	recent, err := reader.Recent(ctx, cfg.Pair, rateengine.HistorySize)
	if err != nil {
		log.Printf("[api_gateway] seed from stream: %v", err)
	}
	for _, u := range recent {
		src.Observe(u)
	}
	log.Printf("[api_gateway] seeded %d updates from %s", len(recent), model.StreamKey(cfg.Pair))

	// The stream may be trimmed or missing while the latest key survives.
	if latest, err := reader.Latest(ctx, cfg.Pair); err == nil {
		if src.Observe(latest) {
			log.Printf("[api_gateway] seeded latest #%d from %s", latest.Seq, model.LatestKey(cfg.Pair))
		}
	} else if !errors.Is(err, redisstore.ErrNotFound) {
		log.Printf("[api_gateway] seed latest: %v", err)
	}

	var archive *sqlitestore.Reader
	if cfg.SQLitePath != "" {
		if _, statErr := os.Stat(cfg.SQLitePath); statErr == nil {
			archive, err = sqlitestore.NewReader(cfg.SQLitePath)
			if err != nil {
				log.Printf("[api_gateway] sqlite reader: %v", err)
			} else {
				defer archive.Close()
				health.SetSQLiteOK(true)
				if pts, err := archive.Hourly(cfg.Pair, time.Now().Add(-24*time.Hour)); err != nil {
					log.Printf("[api_gateway] load chart: %v", err)
				} else if len(pts) > 0 {
					src.SetChart(pts)
					log.Printf("[api_gateway] loaded %d hourly chart points", len(pts))
				}
			}
		}
	}

	// ---- Hub ----
	hub := gateway.NewHub()
	hub.OnClientCount = func(n int) { prom.WSClients.Set(float64(n)) }
	hub.OnLatency = func(s float64) { prom.E2ELatency.Observe(s) }

	updates := make(chan model.RateUpdate, 256)
	go func() {
		if err := reader.SubscribeUpdates(ctx, updates); err != nil {
			log.Printf("[api_gateway] subscribe: %v", err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-updates:
				if u.Pair != cfg.Pair {
					continue
				}
				if !src.Observe(u) {
					continue
				}
				health.RecordTick(u)
				prom.ObserveUpdate(u)
				hub.Publish(u)
			}
		}
	}()

	go func() {
		err := reader.WatchConfig(ctx, cfg.Pair, func(band rateengine.Config) {
			if err := src.SetConfig(band); err != nil {
				log.Printf("[api_gateway] ignoring announced band: %v", err)
				return
			}
			log.Printf("[api_gateway] band updated: min=%.4f max=%.4f", band.MinRate, band.MaxRate)
		})
		if err != nil {
			log.Printf("[api_gateway] config watch stopped: %v", err)
		}
	}()

	var db *sql.DB
	if archive != nil {
		db = archive.DB()
	}
	health.StartLivenessChecker(ctx, reader.Client(), db, 10*time.Second)

	// ---- HTTP ----
	api := gateway.NewServer(gateway.ServerConfig{
		CacheTTL:   cfg.CacheTTL,
		TOTPSecret: cfg.AdminTOTPSecret,
	}, src, hub)
	api.Metrics = prom
	if cfg.AdminTOTPSecret != "" {
		api.Admin = src
	} else {
		log.Println("[api_gateway] ADMIN_TOTP_SECRET not set, /api/admin/rates disabled")
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[api_gateway] serving at http://localhost%s", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[api_gateway] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[api_gateway] shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	hub.Close()
	metricsSrv.Stop(shutdownCtx)
}
