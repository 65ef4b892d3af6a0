package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"bdpayx-rates/internal/model"
)

func TestObserveUpdate(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())
	u := model.RateUpdate{Pair: "BDT_INR", BaseRate: 0.7004, Market: model.Market{Trend: 0.5, Volatility: 0.0003}}

	m.ObserveUpdate(u)
	m.ObserveUpdate(u)

	if got := testutil.ToFloat64(m.TicksTotal); got != 2 {
		t.Errorf("TicksTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CurrentRate.WithLabelValues("BDT_INR")); got != 0.7004 {
		t.Errorf("CurrentRate = %v", got)
	}
	if got := testutil.ToFloat64(m.Trend.WithLabelValues("BDT_INR")); got != 0.5 {
		t.Errorf("Trend = %v", got)
	}
}

func TestHealth_UnhealthyBeforeFirstTick(t *testing.T) {
	h := NewHealthStatus(time.Minute)
	if got := h.Report().Status; got != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", got)
	}
}

func TestHealth_Transitions(t *testing.T) {
	h := NewHealthStatus(time.Minute)
	h.RecordTick(model.RateUpdate{BaseRate: 0.7, Timestamp: time.Now()})
	if got := h.Report().Status; got != "healthy" {
		t.Fatalf("status = %q, want healthy", got)
	}

	h.SetRedisConnected(false)
	if got := h.Report().Status; got != "degraded" {
		t.Errorf("status with redis down = %q, want degraded", got)
	}
	h.SetRedisConnected(true)

	h.RecordTick(model.RateUpdate{BaseRate: 0.7, Timestamp: time.Now().Add(-2 * time.Minute)})
	if got := h.Report().Status; got != "degraded" {
		t.Errorf("status with stale feed = %q, want degraded", got)
	}
}

func TestHealth_ServeHTTP(t *testing.T) {
	h := NewHealthStatus(time.Minute)
	h.RecordTick(model.RateUpdate{BaseRate: 0.7012, Timestamp: time.Now()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	var r Report
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.LastRate != 0.7012 || r.Status != "healthy" {
		t.Errorf("unexpected report: %+v", r)
	}

	stale := NewHealthStatus(time.Minute)
	rec = httptest.NewRecorder()
	stale.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}
