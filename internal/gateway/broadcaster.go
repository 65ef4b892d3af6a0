package gateway

import (
	"strconv"
	"time"
)

// EventRateUpdated is the event name clients listen for.
const EventRateUpdated = "rate_updated"

// Broadcaster builds envelopes and fans them out to every client.
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// Broadcast sends a rate update payload to all clients and records it for
// replay. The envelope is hand-built since data is already JSON.
func (b *Broadcaster) Broadcast(data []byte) {
	now := b.now().UTC()

	if b.hub.Latency != nil {
		if ms, ok := b.hub.Latency.RecordSince(data, now); ok && b.hub.OnLatency != nil {
			b.hub.OnLatency(ms / 1000)
		}
	}

	b.hub.mu.Lock()
	b.hub.seq++
	seq := b.hub.seq
	b.hub.latest = latestEntry{Data: data, TS: now, Seq: seq}
	b.hub.mu.Unlock()

	buf := buildEnvelope(EventRateUpdated, data, now, seq)
	b.hub.replay.Push(seq, buf)

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for client := range b.hub.clients {
		select {
		case client.send <- buf:
		default:
		}
	}
}

// buildEnvelope produces {"event":…,"data":…,"ts":"…","seq":N}.
func buildEnvelope(event string, data []byte, ts time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(event)+len(data)+96)
	buf = append(buf, `{"event":"`...)
	buf = append(buf, event...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}
