package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	goredis "github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"

	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/rateengine"
)

// ErrNotFound is returned when a key holds no value.
var ErrNotFound = errors.New("redis: not found")

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader reads rate updates and band changes published by a Writer.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client, err := newClient(cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	log.Printf("[redis] reader connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

// Latest returns the most recent update for pair.
func (r *Reader) Latest(ctx context.Context, pair string) (model.RateUpdate, error) {
	data, err := r.client.Get(ctx, model.LatestKey(pair)).Bytes()
	if err == goredis.Nil {
		return model.RateUpdate{}, ErrNotFound
	}
	if err != nil {
		return model.RateUpdate{}, fmt.Errorf("redis GET latest %s: %w", pair, err)
	}
	return DecodeUpdate(data)
}

// Recent returns up to n updates from the stream, oldest first.
func (r *Reader) Recent(ctx context.Context, pair string, n int64) ([]model.RateUpdate, error) {
	msgs, err := r.client.XRevRangeN(ctx, model.StreamKey(pair), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", pair, err)
	}

	out := make([]model.RateUpdate, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		u, err := DecodeUpdate([]byte(data))
		if err != nil {
			log.Printf("[redis] skipping bad stream entry %s: %v", msgs[i].ID, err)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// LoadConfig returns the persisted band for pair, or ErrNotFound.
func (r *Reader) LoadConfig(ctx context.Context, pair string) (rateengine.Config, error) {
	data, err := r.client.Get(ctx, ConfigKey(pair)).Bytes()
	if err == goredis.Nil {
		return rateengine.Config{}, ErrNotFound
	}
	if err != nil {
		return rateengine.Config{}, fmt.Errorf("redis GET config %s: %w", pair, err)
	}
	var cfg rateengine.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return rateengine.Config{}, fmt.Errorf("decode config %s: %w", pair, err)
	}
	return cfg, nil
}

// SubscribeUpdates forwards every update published for any pair to out.
// Blocks until ctx is cancelled.
func (r *Reader) SubscribeUpdates(ctx context.Context, out chan<- model.RateUpdate) error {
	pubsub := r.client.PSubscribe(ctx, model.PubSubPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", model.PubSubPattern, err)
	}
	log.Printf("[redis] subscribed to %s", model.PubSubPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			u, err := DecodeUpdate([]byte(msg.Payload))
			if err != nil {
				log.Printf("[redis] bad payload on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- u:
			default:
				log.Printf("[redis] subscriber channel full, dropping %s #%d", u.Pair, u.Seq)
			}
		}
	}
}

// WatchConfig calls fn for every band announced on ConfigChannel(pair).
// Blocks until ctx is cancelled.
func (r *Reader) WatchConfig(ctx context.Context, pair string, fn func(rateengine.Config)) error {
	pubsub := r.client.Subscribe(ctx, ConfigChannel(pair))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ConfigChannel(pair), err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var cfg rateengine.Config
			if err := json.Unmarshal([]byte(msg.Payload), &cfg); err != nil {
				log.Printf("[redis] bad config payload: %v", err)
				continue
			}
			fn(cfg)
		}
	}
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}

// DecodeUpdate parses a published update. Payloads without a pair or a
// positive base_rate are rejected before the full decode.
func DecodeUpdate(data []byte) (model.RateUpdate, error) {
	if !gjson.ValidBytes(data) {
		return model.RateUpdate{}, errors.New("invalid JSON")
	}
	res := gjson.GetManyBytes(data, "pair", "base_rate")
	if res[0].String() == "" {
		return model.RateUpdate{}, errors.New("missing pair")
	}
	if res[1].Float() <= 0 {
		return model.RateUpdate{}, errors.New("missing base_rate")
	}

	var u model.RateUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return model.RateUpdate{}, err
	}
	return u, nil
}
