package httpapi

import (
	"net/http"
)

// Status describes what the gateway is running.
type Status struct {
	Mode             string `json:"mode"`
	BLEAvailable     bool   `json:"ble"`
	DecoderAvailable bool   `json:"decoder"`
	Sinks            int    `json:"sinks"`
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	status Status
	cache  cacheReader
}

func NewHealthchecker(status Status, cache cacheReader) healthchecker {
	return &healthcheckerImpl{status: status, cache: cache}
}

// handleHealthz always answers 200 while the process is up. A missing
// adapter stops all acquisition; a missing decoder only degrades passive
// acquisition.
func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := "ok"
	if !h.status.BLEAvailable || (!h.status.DecoderAvailable && h.status.Mode != "active") {
		state = "degraded"
	}
	entries := 0
	if h.cache != nil {
		entries = h.cache.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        state,
		"mode":          h.status.Mode,
		"ble":           h.status.BLEAvailable,
		"decoder":       h.status.DecoderAvailable,
		"sinks":         h.status.Sinks,
		"cache_entries": entries,
	})
}

func registerHealthcheck(mux *http.ServeMux, status Status, cache cacheReader) {
	healthchecker := NewHealthchecker(status, cache)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
