package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthServer exposes /healthz and /readyz endpoints. The sidecar is ready
// once it has been marked ready and serves at least one vault.
type HealthServer struct {
	ready  atomic.Bool
	vaults atomic.Int64
}

func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetVaults records how many vault targets are currently configured.
func (h *HealthServer) SetVaults(n int) {
	h.vaults.Store(int64(n))
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	vaults := h.vaults.Load()
	switch {
	case !h.ready.Load():
		writeStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
	case vaults == 0:
		writeStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "no vaults configured"})
	default:
		writeStatus(w, http.StatusOK, map[string]any{"status": "ready", "vaults": vaults})
	}
}

func writeStatus(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
