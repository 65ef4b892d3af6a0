package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bdpayx-rates/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// Hub manages WebSocket clients and fans rate updates out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  latestEntry
	seq     int64

	replay *ReplayBuffer

	// Tick-to-emit latency tracker
	Latency     *LatencyTracker
	Broadcaster *Broadcaster

	// Optional observers (for metrics).
	OnClientCount func(n int)
	OnLatency     func(seconds float64)
}

// NewHub creates a Hub with a 500-envelope replay buffer.
func NewHub() *Hub {
	h := &Hub{
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(500),
		Latency: NewLatencyTracker(10000),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Run broadcasts every update from updates until ctx is cancelled or the
// channel is closed.
func (h *Hub) Run(ctx context.Context, updates <-chan model.RateUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.Publish(u)
		}
	}
}

// Publish broadcasts a single update.
func (h *Hub) Publish(u model.RateUpdate) {
	h.Broadcaster.Broadcast(u.JSON())
}

// HandleWS upgrades the request and registers the client. A last_seq query
// parameter replays buffered envelopes after that seq instead of sending
// the latest rate.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	lastSeq, _ := strconv.ParseInt(r.URL.Query().Get("last_seq"), 10, 64)
	h.register(conn, lastSeq)
}

func (h *Hub) register(conn *websocket.Conn, lastSeq int64) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}

	client.sendInitialState(lastSeq)
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()

	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

// sendTo queues msg for c unless c has been removed or its queue is full.
func (h *Hub) sendTo(c *Client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Missed returns buffered envelopes with seq in [fromSeq, toSeq].
// Used by /api/missed for client gap backfill.
func (h *Hub) Missed(fromSeq, toSeq int64) []json.RawMessage {
	entries := h.replay.Range(fromSeq, toSeq)
	result := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		result[i] = e.Data
	}
	return result
}

// Seq returns the seq of the last broadcast envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
