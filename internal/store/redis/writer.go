package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/rateengine"
)

const (
	// Stream trimming: ~41h of 15s ticks.
	streamMaxLen     = 10000
	defaultLatestTTL = 30 * time.Minute
)

// ConfigKey holds the admin-set band for a pair: "rate:config:{pair}".
func ConfigKey(pair string) string { return "rate:config:" + pair }

// ConfigChannel announces band changes to running engines.
func ConfigChannel(pair string) string { return "cmd:rate:config:" + pair }

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer writes rate updates and band changes to Redis.
type Writer struct {
	client *goredis.Client

	// OnWrite observes pipeline latency (for metrics).
	OnWrite func(d time.Duration)
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

func newClient(addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client, err := newClient(cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	log.Printf("[redis] writer connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// WriteUpdate performs the pipelined SET latest + XADD + PUBLISH for u.
func (w *Writer) WriteUpdate(ctx context.Context, u model.RateUpdate) error {
	start := time.Now()
	jsonData := string(u.JSON())

	pipe := w.client.Pipeline()

	// SET latest update with TTL
	pipe.Set(ctx, u.LatestKey(), jsonData, defaultLatestTTL)

	// XADD to stream with auto-trimming
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: u.StreamKey(),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": jsonData,
		},
	})

	// PUBLISH for API gateways and dashboards
	pipe.Publish(ctx, u.PubSubChannel(), jsonData)

	_, err := pipe.Exec(ctx)
	if w.OnWrite != nil {
		w.OnWrite(time.Since(start))
	}
	return err
}

// SaveConfig persists the band for pair and announces it on ConfigChannel.
func (w *Writer) SaveConfig(ctx context.Context, pair string, cfg rateengine.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	pipe := w.client.Pipeline()
	pipe.Set(ctx, ConfigKey(pair), data, 0)
	pipe.Publish(ctx, ConfigChannel(pair), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save config %s: %w", pair, err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
