package observability_test

import (
	"PerpMark/internal/markprice"
	"PerpMark/internal/observability"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCacheObserver(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	obs := m.CacheObserver("BTC-PERP")

	obs.ObserveSubmit(markprice.SourceRecentTradeAverage, 100, markprice.OutcomeWarmup)
	obs.ObserveSubmit(markprice.SourceTickerClosePrice, 101, markprice.OutcomeAccepted)

	if got := testutil.ToFloat64(m.Submissions.WithLabelValues("BTC-PERP", "recent_trade_average", "warmup")); got != 1 {
		t.Errorf("warmup submissions: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MarkPrice.WithLabelValues("BTC-PERP")); got != 101 {
		t.Errorf("mark price gauge: got %v, want 101", got)
	}
	if got := testutil.ToFloat64(m.MarketReady.WithLabelValues("BTC-PERP")); got != 1 {
		t.Errorf("ready gauge: got %v, want 1", got)
	}

	obs.ObserveRead(markprice.ReadTimeout, 50*time.Millisecond)
	if got := testutil.ToFloat64(m.Reads.WithLabelValues("BTC-PERP", "timeout")); got != 1 {
		t.Errorf("timeout reads: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MarketReady.WithLabelValues("BTC-PERP")); got != 0 {
		t.Errorf("ready gauge after timeout: got %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.ReadWaitTime); got != 1 {
		t.Errorf("wait histogram series: got %d, want 1", got)
	}
}

func TestSetChannelMetrics(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("events", 42)
	if got := testutil.ToFloat64(m.ChannelSize.WithLabelValues("events")); got != 42 {
		t.Errorf("channel size: got %v, want 42", got)
	}
}

func TestHealthChecker(t *testing.T) {
	h := observability.NewHealthChecker()

	get := func(handler http.HandlerFunc) (int, map[string]interface{}) {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		var body map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return rec.Code, body
	}

	if code, body := get(h.LivenessHandler); code != http.StatusOK || body["status"] != "alive" {
		t.Errorf("liveness: got %d %v", code, body)
	}
	if code, body := get(h.ReadinessHandler); code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Errorf("readiness before ready: got %d %v", code, body)
	}

	h.SetReady(true)
	h.SetMarketStatus(func() map[string]bool { return map[string]bool{"BTC-PERP": true} })

	code, body := get(h.ReadinessHandler)
	if code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("readiness: got %d %v", code, body)
	}
	markets, _ := body["markets"].(map[string]interface{})
	if markets["BTC-PERP"] != true {
		t.Errorf("markets: got %v", body["markets"])
	}
}
