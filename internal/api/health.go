package api

import (
	"net/http"
	"time"

	"github.com/ohlabs/musebridge/internal/adapter"
)

// HealthHandler reports liveness plus per-dependency checks. The bridge has
// no hard dependency: a disconnected backend degrades the status, it never
// fails the endpoint.
type HealthHandler struct {
	status    StatusSource
	mqtt      MQTTSource
	reporter  ReporterSource
	version   string
	startTime time.Time
}

func NewHealthHandler(status StatusSource, mqtt MQTTSource, reporter ReporterSource, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		status:    status,
		mqtt:      mqtt,
		reporter:  reporter,
		version:   version,
		startTime: startTime,
	}
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"

	// Idle and stopped are normal for disabled adapters; only a retry loop
	// degrades the bridge.
	for name, state := range h.status.AdapterStates() {
		checks["adapter_"+name] = state
		if state == adapter.StateRetrying {
			status = "degraded"
		}
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			status = "degraded"
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.reporter != nil && h.reporter.IsEnabled() {
		checks["reporter"] = "enabled"
	} else {
		checks["reporter"] = "disabled"
	}

	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
