package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"bdpayx-rates/internal/rateengine"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Rate engine
	Pair          string
	Engine        rateengine.Config
	TickInterval  time.Duration
	CacheTTL      time.Duration
	WarmupPoints  int
	AlertCooldown time.Duration

	// Infrastructure
	GatewayAddr   string
	MetricsAddr   string
	RedisAddr     string // empty disables the Redis sink
	RedisPassword string
	SQLitePath    string // empty disables the SQLite archive

	// Admin
	AdminTOTPSecret string

	// Alerts
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string

	LogLevel slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
// The engine band is validated here so a bad deployment fails at startup.
func Load() (*Config, error) {
	def := rateengine.DefaultConfig()
	cfg := &Config{
		Pair: getEnv("RATE_PAIR", "BDT_INR"),
		Engine: rateengine.Config{
			BaseRate: getEnvFloat("RATE_BASE", def.BaseRate),
			MinRate:  getEnvFloat("RATE_MIN", def.MinRate),
			MaxRate:  getEnvFloat("RATE_MAX", def.MaxRate),
		},
		TickInterval:  getEnvDuration("RATE_INTERVAL", 15*time.Second),
		CacheTTL:      getEnvDuration("RATE_CACHE_TTL", 3*time.Second),
		WarmupPoints:  getEnvInt("RATE_WARMUP_POINTS", 24),
		AlertCooldown: getEnvDuration("ALERT_COOLDOWN", 5*time.Minute),

		GatewayAddr:   getEnv("GATEWAY_ADDR", ":3000"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		SQLitePath:    getEnv("SQLITE_PATH", "data/rates.db"),

		AdminTOTPSecret: os.Getenv("ADMIN_TOTP_SECRET"),

		AlertWebhookURL:  os.Getenv("ALERT_WEBHOOK_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

		LogLevel: ParseLevel(getEnv("LOG_LEVEL", "info")),
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("config: RATE_INTERVAL must be positive, got %s", cfg.TickInterval)
	}
	return cfg, nil
}

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values log a
// warning and fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		log.Printf("[config] unknown LOG_LEVEL %q, using info", s)
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] skipping invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] skipping invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("15s") or bare milliseconds ("15000"),
// the unit the Node servers used.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	log.Printf("[config] skipping invalid %s=%q", key, v)
	return fallback
}
