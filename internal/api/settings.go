package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/ohlabs/musebridge/internal/settings"
)

// SettingsHandler serves and mutates the runtime settings.
type SettingsHandler struct {
	store SettingsStore
}

func NewSettingsHandler(store SettingsStore) *SettingsHandler {
	return &SettingsHandler{store: store}
}

type settingsResponse struct {
	Adapters map[string]bool `json:"adapters"`
	// License is masked to its last characters; the full key never leaves
	// the settings file.
	License        *string    `json:"license"`
	LicensePlan    string     `json:"license_plan,omitempty"`
	LicenseExpires *time.Time `json:"license_expires,omitempty"`
}

// settingsRequest distinguishes an absent license field (keep) from an
// explicit null (clear), so License stays raw until presence is known.
type settingsRequest struct {
	Adapters map[string]bool `json:"adapters"`
	License  json.RawMessage `json:"license"`
}

// GetSettings handles GET /api/settings.
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, settingsView(h.store.Current(), r))
}

// PutSettings handles PUT /api/settings: merge the provided toggles and
// license into the current settings, persist, fan out, and return the
// effective result.
func (h *SettingsHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	cur := h.store.Current()
	for name, enabled := range req.Adapters {
		if !knownAdapter(name) {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown adapter %q", name))
			return
		}
		cur.Adapters[name] = enabled
	}
	if len(req.License) > 0 {
		var license *string
		if err := json.Unmarshal(req.License, &license); err != nil {
			WriteError(w, http.StatusBadRequest, "license must be a string or null")
			return
		}
		cur.License = license
	}

	if err := h.store.Apply(cur); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("persist settings")
		WriteError(w, http.StatusInternalServerError, "could not persist settings")
		return
	}
	WriteJSON(w, http.StatusOK, settingsView(h.store.Current(), r))
}

func settingsView(s settings.Settings, r *http.Request) settingsResponse {
	resp := settingsResponse{Adapters: s.Adapters}
	if s.License != nil {
		masked := settings.Masked(*s.License)
		resp.License = &masked
		info := settings.Introspect(*s.License, *hlog.FromRequest(r))
		resp.LicensePlan = info.Plan
		resp.LicenseExpires = info.Expires
	}
	return resp
}

func knownAdapter(name string) bool {
	for _, known := range settings.KnownAdapters {
		if name == known {
			return true
		}
	}
	return false
}
