package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// MarketStatusFunc reports, per tracked market, whether a fresh mark price exists.
type MarketStatusFunc func() map[string]bool

// HealthChecker manages liveness and readiness state.
// /healthz answers liveness, /readyz answers readiness.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	markets   atomic.Pointer[MarketStatusFunc]
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetMarketStatus installs the per-market detail reported by /readyz.
// Market freshness is informational: a stale market does not fail readiness,
// since readers can still wait on it.
func (h *HealthChecker) SetMarketStatus(fn MarketStatusFunc) {
	h.markets.Store(&fn)
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once startup finished (Postgres, NATS,
// markets loaded), 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{}
	if fn := h.markets.Load(); fn != nil && *fn != nil {
		body["markets"] = (*fn)()
	}

	if !h.ready.Load() {
		body["status"] = "not_ready"
		writeHealth(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ready"
	writeHealth(w, http.StatusOK, body)
}

func writeHealth(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
