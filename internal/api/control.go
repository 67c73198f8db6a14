package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/ohlabs/musebridge/internal/adapter"
)

// ControlHandler dispatches control commands through the coordinator.
type ControlHandler struct {
	sink CommandSink
}

func NewControlHandler(sink CommandSink) *ControlHandler {
	return &ControlHandler{sink: sink}
}

type controlRequest struct {
	ZoneID string   `json:"zone_id"`
	Action string   `json:"action"`
	Value  *float64 `json:"value,omitempty"`
}

type controlResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
}

// Control handles POST /control. Routing and dispatch failures map onto
// status codes: unknown zone 404, adapter not available 503, timeout 504,
// invalid action 400.
func (h *ControlHandler) Control(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ZoneID == "" || req.Action == "" {
		WriteError(w, http.StatusBadRequest, "zone_id and action are required")
		return
	}

	id, _, err := h.sink.Control(r.Context(), req.ZoneID, req.Action, req.Value)
	if err != nil {
		hlog.FromRequest(r).Warn().
			Err(err).
			Str("zone_id", req.ZoneID).
			Str("action", req.Action).
			Msg("control dispatch failed")
		WriteError(w, controlStatus(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, controlResponse{Status: "ok", CommandID: id.String()})
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, adapter.ErrUnknownZone):
		return http.StatusNotFound
	case errors.Is(err, adapter.ErrAdapterNotAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, adapter.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, adapter.ErrInvalidAction):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
