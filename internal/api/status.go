package api

import (
	"net/http"
	"time"
)

// StatusHandler serves the bridge-level status summary.
type StatusHandler struct {
	status    StatusSource
	zones     ZoneSource
	version   string
	startTime time.Time
}

func NewStatusHandler(status StatusSource, zones ZoneSource, version string, startTime time.Time) *StatusHandler {
	return &StatusHandler{status: status, zones: zones, version: version, startTime: startTime}
}

type adapterStatusBlock struct {
	State  string         `json:"state"`
	Detail map[string]any `json:"detail,omitempty"`
}

type statusResponse struct {
	Service    string                        `json:"service"`
	Version    string                        `json:"version"`
	UptimeSecs int64                         `json:"uptime_secs"`
	ZoneCount  int                           `json:"zone_count"`
	Adapters   map[string]adapterStatusBlock `json:"adapters"`
}

// Status handles GET /status: build/uptime plus a per-adapter block with the
// handle state and whatever detail the backend reports (core name, host,
// player counts).
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	details := h.status.AdapterDetails()
	adapters := make(map[string]adapterStatusBlock)
	for name, state := range h.status.AdapterStates() {
		adapters[name] = adapterStatusBlock{State: state, Detail: details[name]}
	}

	WriteJSON(w, http.StatusOK, statusResponse{
		Service:    "musebridge",
		Version:    h.version,
		UptimeSecs: int64(time.Since(h.startTime).Seconds()),
		ZoneCount:  len(h.zones.Zones()),
		Adapters:   adapters,
	})
}
