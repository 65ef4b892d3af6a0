// cmd/rateserver runs the rate engine, the REST/WebSocket gateway and the
// optional Redis and SQLite sinks in one process.
//
// Config comes from the environment (see config.Load). REDIS_ADDR enables
// the Redis sink and cross-process band changes; SQLITE_PATH="" disables
// the SQLite archive.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"bdpayx-rates/config"
	"bdpayx-rates/internal/gateway"
	"bdpayx-rates/internal/logger"
	"bdpayx-rates/internal/metrics"
	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/notification"
	"bdpayx-rates/internal/rateengine"
	"bdpayx-rates/internal/ratefeed"
	redisstore "bdpayx-rates/internal/store/redis"
	sqlitestore "bdpayx-rates/internal/store/sqlite"
)

const (
	archiveRetention = 30 * 24 * time.Hour
	pruneInterval    = time.Hour
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[rateserver] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[rateserver] %v", err)
	}
	logger.Init("rateserver", cfg.LogLevel)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(3 * cfg.TickInterval)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	band := cfg.Engine

	// ---- SQLite archive (off hot path) ----
	var sqlWriter *sqlitestore.Writer
	if cfg.SQLitePath != "" {
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[rateserver] sqlite init failed: %v", err)
		}
		defer sqlWriter.Close()
		sqlWriter.OnCommit = func(n int, d time.Duration) {
			prom.SQLiteCommitDur.Observe(d.Seconds())
		}
		health.SetSQLiteOK(true)

		if saved, ok := restoreBand(cfg.SQLitePath, cfg.Pair); ok {
			band = saved
		}
	}

	// ---- Redis sink ----
	var redisWriter *redisstore.Writer
	var redisReader *redisstore.Reader
	if cfg.RedisAddr != "" {
		redisWriter, err = redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("[rateserver] WARNING: redis init failed: %v (continuing without redis)", err)
			health.SetRedisConnected(false)
		} else {
			defer redisWriter.Close()
			health.SetRedisConnected(true)
			redisWriter.OnWrite = func(d time.Duration) {
				prom.RedisWriteDur.Observe(d.Seconds())
			}

			redisReader, err = redisstore.NewReader(redisstore.ReaderConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
			if err != nil {
				log.Printf("[rateserver] WARNING: redis reader init failed: %v", err)
			} else {
				defer redisReader.Close()
				loadCtx, loadCancel := context.WithTimeout(ctx, 3*time.Second)
				saved, err := redisReader.LoadConfig(loadCtx, cfg.Pair)
				loadCancel()
				switch {
				case err == nil && saved.Validate() == nil:
					band = saved
				case err != nil && !errors.Is(err, redisstore.ErrNotFound):
					log.Printf("[rateserver] load band from redis: %v", err)
				}
			}
		}
	}

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerts := notification.NewThrottled(notifiers, cfg.AlertCooldown)
	alerts.OnSent = func(a notification.Alert) {
		prom.AlertsTotal.WithLabelValues(a.Kind).Inc()
	}

	// ---- Engine & feed ----
	eng, err := rateengine.New(band)
	if err != nil {
		log.Fatalf("[rateserver] engine: %v", err)
	}
	feed := ratefeed.New(eng, ratefeed.Options{
		Pair:     cfg.Pair,
		Interval: cfg.TickInterval,
		Notifier: alerts,
	})
	feed.OnTick = func(u model.RateUpdate, elapsed time.Duration) {
		prom.ObserveUpdate(u)
		prom.TickDur.Observe(elapsed.Seconds())
		health.RecordTick(u)
	}
	feed.OnDrop = func(id int64) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.FormatInt(id, 10)).Inc()
	}
	if cfg.WarmupPoints > 0 {
		feed.Warmup(cfg.WarmupPoints, ratefeed.DefaultChartStep)
	}
	slog.Info("engine ready",
		slog.String("pair", cfg.Pair),
		slog.Float64("base", band.BaseRate),
		slog.Float64("min", band.MinRate),
		slog.Float64("max", band.MaxRate),
		slog.Duration("interval", cfg.TickInterval),
	)

	// ---- Fan-out: WS hub, Redis, SQLite ----
	hub := gateway.NewHub()
	hub.OnClientCount = func(n int) { prom.WSClients.Set(float64(n)) }
	hub.OnLatency = func(s float64) { prom.E2ELatency.Observe(s) }
	_, hubCh := feed.Subscribe(256)
	go hub.Run(ctx, hubCh)

	// sinks tracks writers that flush on cancel; shutdown waits for them
	// before the deferred Close calls run.
	var sinks sync.WaitGroup

	if redisWriter != nil {
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Printf("[rateserver] redis circuit %s -> %s", from, to)
		}
		bw := redisstore.NewBufferedWriter(ctx, redisWriter, cb, 0)
		bw.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }

		_, redisCh := feed.Subscribe(1024)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			bw.Run(ctx, redisCh)
		}()
	}

	if sqlWriter != nil {
		_, sqliteCh := feed.Subscribe(1024)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			sqlWriter.Run(ctx, sqliteCh)
		}()
		go pruneLoop(ctx, sqlWriter, cfg.Pair)
	}

	// ---- Liveness checks ----
	var rdb *goredis.Client
	if redisWriter != nil {
		rdb = redisWriter.Client()
	}
	var db *sql.DB
	if sqlWriter != nil {
		db = sqlWriter.DB()
	}
	health.StartLivenessChecker(ctx, rdb, db, 10*time.Second)

	// recordBand persists a band change so restarts and other gateways see it.
	recordBand := func(c rateengine.Config) {
		if sqlWriter != nil {
			if err := sqlWriter.SaveConfig(cfg.Pair, c, time.Now()); err != nil {
				log.Printf("[rateserver] %v", err)
			}
		}
	}

	if redisReader != nil {
		go func() {
			err := redisReader.WatchConfig(ctx, cfg.Pair, func(c rateengine.Config) {
				if c == feed.Engine().Config() {
					return
				}
				if err := feed.Reconfigure(c); err != nil {
					log.Printf("[rateserver] rejected band from redis: %v", err)
					return
				}
				prom.Reconfigs.Inc()
				recordBand(c)
			})
			if err != nil {
				log.Printf("[rateserver] config watch stopped: %v", err)
			}
		}()
	}

	// ---- Gateway ----
	src := gateway.NewFeedSource(feed)
	api := gateway.NewServer(gateway.ServerConfig{
		CacheTTL:   cfg.CacheTTL,
		TOTPSecret: cfg.AdminTOTPSecret,
	}, src, hub)
	api.Metrics = prom
	if cfg.AdminTOTPSecret != "" {
		api.Admin = src
		api.OnReconfigure = func(c rateengine.Config) {
			recordBand(c)
			if redisWriter != nil {
				saveCtx, saveCancel := context.WithTimeout(ctx, 3*time.Second)
				defer saveCancel()
				if err := redisWriter.SaveConfig(saveCtx, cfg.Pair, c); err != nil {
					log.Printf("[rateserver] publish band: %v", err)
				}
			}
		}
	} else {
		log.Println("[rateserver] ADMIN_TOTP_SECRET not set, /api/admin/rates disabled")
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	httpSrv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[rateserver] listening on %s (WebSocket: ws://localhost%s/ws)", cfg.GatewayAddr, cfg.GatewayAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[rateserver] server error: %v", err)
		}
	}()

	go feed.Run(ctx)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[rateserver] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	hub.Close()

	if !waitGroupDone(shutdownCtx, &sinks) {
		log.Println("[rateserver] WARNING: sinks did not finish flushing before timeout")
	}
	metricsSrv.Stop(shutdownCtx)

	log.Println("[rateserver] shutdown complete.")
}

// waitGroupDone waits for wg and reports false if ctx ends first.
func waitGroupDone(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// restoreBand returns the last band recorded in the SQLite audit table.
func restoreBand(path, pair string) (rateengine.Config, bool) {
	reader, err := sqlitestore.NewReader(path)
	if err != nil {
		log.Printf("[rateserver] sqlite reader: %v", err)
		return rateengine.Config{}, false
	}
	defer reader.Close()

	c, ok, err := reader.LatestConfig(pair)
	if err != nil {
		log.Printf("[rateserver] restore band: %v", err)
		return rateengine.Config{}, false
	}
	if !ok || c.Validate() != nil {
		return rateengine.Config{}, false
	}
	log.Printf("[rateserver] restored band base=%.4f min=%.4f max=%.4f", c.BaseRate, c.MinRate, c.MaxRate)
	return c, true
}

func pruneLoop(ctx context.Context, w *sqlitestore.Writer, pair string) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Prune(pair, time.Now().Add(-archiveRetention))
			if err != nil {
				log.Printf("[rateserver] %v", err)
			} else if n > 0 {
				log.Printf("[rateserver] pruned %d archived ticks", n)
			}
		}
	}
}
