package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordNotifier) Send(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

func (r *recordNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestMulti_SendsToAllAndJoinsErrors(t *testing.T) {
	ok := &recordNotifier{}
	bad := &recordNotifier{err: errors.New("down")}
	m := Multi{ok, bad, NewLogNotifier()}

	err := m.Send(context.Background(), Alert{Level: AlertWarning, Kind: "k", Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error containing 'down', got %v", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Errorf("expected every backend called once, got %d/%d", ok.count(), bad.count())
	}
}

func TestThrottled_CooldownPerKind(t *testing.T) {
	rec := &recordNotifier{}
	th := NewThrottled(rec, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	var sent int
	th.OnSent = func(Alert) { sent++ }

	ctx := context.Background()
	th.Send(ctx, Alert{Kind: "band_upper"})
	th.Send(ctx, Alert{Kind: "band_upper"})
	th.Send(ctx, Alert{Kind: "volatility_spike"})
	if rec.count() != 2 {
		t.Fatalf("expected 2 delivered within cooldown, got %d", rec.count())
	}

	now = now.Add(61 * time.Second)
	th.Send(ctx, Alert{Kind: "band_upper"})
	if rec.count() != 3 {
		t.Errorf("expected delivery after cooldown, got %d", rec.count())
	}
	if sent != 3 {
		t.Errorf("OnSent called %d times, want 3", sent)
	}
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Kind: "band_lower", Title: "Rate at lower bound", Message: "0.6980"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["level"] != "CRITICAL" || got["kind"] != "band_lower" || got["message"] != "0.6980" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestTelegramNotifier_SendsMarkdown(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL

	err := n.Send(context.Background(), Alert{Level: AlertWarning, Kind: "volatility_spike", Title: "Spike", Message: "vol=0.0006"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got["chat_id"] != "42" || got["parse_mode"] != "MarkdownV2" {
		t.Errorf("unexpected body: %v", got)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, `vol\=0\.0006`) {
		t.Errorf("message not escaped: %q", text)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a_b.c"); got != `a\_b\.c` {
		t.Errorf("escapeMarkdown = %q", got)
	}
}
