package api

import (
	"net/http"

	"github.com/ohlabs/musebridge/internal/muse"
)

// ZonesHandler serves zone snapshots from the aggregator.
type ZonesHandler struct {
	zones ZoneSource
}

func NewZonesHandler(zones ZoneSource) *ZonesHandler {
	return &ZonesHandler{zones: zones}
}

type zonesResponse struct {
	Zones []muse.Zone `json:"zones"`
}

// ListZones returns every known zone, sorted by zone id.
func (h *ZonesHandler) ListZones(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, zonesResponse{Zones: h.zones.Zones()})
}

type nowPlayingResponse struct {
	ZoneID     string             `json:"zone_id"`
	ZoneName   string             `json:"zone_name"`
	State      muse.PlaybackState `json:"state"`
	NowPlaying *muse.NowPlaying   `json:"now_playing"`
}

// NowPlaying returns the current track for one zone.
func (h *ZonesHandler) NowPlaying(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := QueryString(r, "zone_id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "zone_id is required")
		return
	}

	z, ok := h.zones.Zone(zoneID)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown zone")
		return
	}
	WriteJSON(w, http.StatusOK, nowPlayingResponse{
		ZoneID:     z.ZoneID,
		ZoneName:   z.ZoneName,
		State:      z.State,
		NowPlaying: z.NowPlaying,
	})
}
