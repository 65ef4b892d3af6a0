package gateway

import (
	"sync"
	"time"
)

// rateCache holds the encoded /api/exchange/rate body. An entry is valid
// until its TTL expires or a newer update arrives.
type rateCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	body    []byte
	seq     uint64
	expires time.Time
}

func (c *rateCache) get(seq uint64, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body == nil || seq != c.seq || !now.Before(c.expires) {
		return nil, false
	}
	return c.body, true
}

func (c *rateCache) put(seq uint64, body []byte, now time.Time) {
	c.mu.Lock()
	c.body = body
	c.seq = seq
	c.expires = now.Add(c.ttl)
	c.mu.Unlock()
}
