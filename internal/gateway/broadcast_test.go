package gateway

import (
	"encoding/json"
	"testing"
	"time"
)

// envelope is the parsed WS message structure.
type envelope struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq"`
	Initial bool            `json:"initial"`
}

// TestBroadcastEnvelopeFormat verifies the hand-built envelope matches
// {"event":"...","data":...,"ts":"...","seq":N}.
func TestBroadcastEnvelopeFormat(t *testing.T) {
	data := []byte(`{"pair":"BDT_INR","seq":7,"base_rate":0.7012,"market":{"trend":0.2}}`)
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)

	buf := buildEnvelope(EventRateUpdated, data, now, 42)

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Event != EventRateUpdated {
		t.Errorf("event: got %q, want %q", env.Event, EventRateUpdated)
	}
	if env.Seq != 42 {
		t.Errorf("seq: got %d, want 42", env.Seq)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("data is not valid JSON: %v", err)
	}
	if payload["base_rate"] != 0.7012 {
		t.Errorf("base_rate: got %v", payload["base_rate"])
	}

	parsed, err := time.Parse(time.RFC3339Nano, env.TS)
	if err != nil {
		t.Errorf("ts is not valid RFC3339Nano: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("ts: got %v, want %v", parsed, now)
	}
}

func TestEnvelopeSeqMonotonic(t *testing.T) {
	now := time.Now().UTC()
	for i := int64(1); i <= 100; i++ {
		var env envelope
		if err := json.Unmarshal(buildEnvelope(EventRateUpdated, []byte(`{}`), now, i), &env); err != nil {
			t.Fatalf("seq=%d: invalid JSON: %v", i, err)
		}
		if env.Seq != i {
			t.Errorf("seq: got %d, want %d", env.Seq, i)
		}
	}
}

func TestBroadcaster_RecordsReplayAndLatest(t *testing.T) {
	hub := NewHub()
	fixed := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	hub.Broadcaster.now = func() time.Time { return fixed }

	var latencies []float64
	hub.OnLatency = func(s float64) { latencies = append(latencies, s) }

	for i := 0; i < 3; i++ {
		hub.Broadcaster.Broadcast([]byte(`{"base_rate":0.7,"timestamp":"2026-02-25T09:59:59.5Z"}`))
	}

	if hub.Seq() != 3 {
		t.Fatalf("seq: got %d, want 3", hub.Seq())
	}
	missed := hub.Missed(2, 3)
	if len(missed) != 2 {
		t.Fatalf("missed: got %d entries, want 2", len(missed))
	}
	var env envelope
	if err := json.Unmarshal(missed[0], &env); err != nil {
		t.Fatalf("replayed envelope invalid: %v", err)
	}
	if env.Seq != 2 || env.Event != EventRateUpdated {
		t.Errorf("replayed envelope: %+v", env)
	}

	if len(latencies) != 3 {
		t.Fatalf("latency callbacks: got %d, want 3", len(latencies))
	}
	if latencies[0] < 0.49 || latencies[0] > 0.51 {
		t.Errorf("latency: got %.3fs, want 0.5s", latencies[0])
	}
}

func TestBroadcaster_SkipsFullClientQueue(t *testing.T) {
	hub := NewHub()
	c := &Client{send: make(chan []byte, 1), hub: hub}
	hub.clients[c] = true

	hub.Broadcaster.Broadcast([]byte(`{}`))
	hub.Broadcaster.Broadcast([]byte(`{}`))

	if len(c.send) != 1 {
		t.Fatalf("queued: got %d, want 1", len(c.send))
	}
	if hub.Seq() != 2 {
		t.Errorf("seq: got %d, want 2", hub.Seq())
	}
}
