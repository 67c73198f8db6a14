package reporter

import (
	"encoding/json"
	"time"

	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

// ZoneSource provides zone lookups for event enrichment. The zone aggregator
// satisfies it.
type ZoneSource interface {
	Zone(id string) (muse.Zone, bool)
}

// nowPlayingReport is the enriched now_playing_changed ingest payload: the
// track fields from the event plus zone identity and stream details.
type nowPlayingReport struct {
	ZoneID       string   `json:"zone_id"`
	ZoneName     *string  `json:"zone_name"`
	Title        string   `json:"title"`
	Artist       string   `json:"artist"`
	Album        string   `json:"album"`
	ImageKey     *string  `json:"image_key"`
	Source       *string  `json:"source"`
	Format       *string  `json:"format"`
	SampleRate   *uint32  `json:"sample_rate"`
	BitDepth     *uint8   `json:"bit_depth"`
	DurationSecs *float64 `json:"duration_secs"`
}

// zoneReport is the compact zone_discovered ingest payload. The full Zone
// shape stays on the local API; ingest only keeps identity and capabilities.
type zoneReport struct {
	ZoneID         string `json:"zone_id"`
	ZoneName       string `json:"zone_name"`
	State          string `json:"state"`
	Source         string `json:"source"`
	IsControllable bool   `json:"is_controllable"`
	IsSeekable     bool   `json:"is_seekable"`
}

// convert maps a bus event to its ingest form. The second return is false
// for events that are never forwarded: seek ticks (their unique payloads
// defeat debouncing) and internal lifecycle events.
func convert(e bus.Event, zones ZoneSource) (muse.IngestEvent, bool) {
	var payload any

	switch ev := e.(type) {
	case muse.NowPlayingChanged:
		payload = enrichNowPlaying(ev, zones)

	case muse.ZoneDiscovered:
		payload = zoneReport{
			ZoneID:         ev.Zone.ZoneID,
			ZoneName:       ev.Zone.ZoneName,
			State:          ev.Zone.State.String(),
			Source:         ev.Zone.Source,
			IsControllable: ev.Zone.IsControllable,
			IsSeekable:     ev.Zone.IsSeekable,
		}

	case muse.ZoneUpdated, muse.ZoneRemoved, muse.VolumeChanged,
		muse.AdapterConnected, muse.AdapterDisconnected, muse.HqpPipelineChanged,
		bus.RoonConnected, bus.RoonDisconnected,
		bus.HqpConnected, bus.HqpDisconnected, bus.HqpStateChanged,
		bus.LmsConnected, bus.LmsDisconnected, bus.LmsPlayerStateChanged:
		payload = ev

	default:
		// seek_position_changed, shutting_down, adapter_stopped,
		// zones_flushed and anything future stay local.
		return muse.IngestEvent{}, false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return muse.IngestEvent{}, false
	}
	return muse.IngestEvent{
		EventType: e.EventType(),
		Timestamp: uint64(time.Now().Unix()),
		Payload:   raw,
	}, true
}

func enrichNowPlaying(ev muse.NowPlayingChanged, zones ZoneSource) nowPlayingReport {
	r := nowPlayingReport{ZoneID: ev.ZoneID}

	if np := ev.NowPlaying; np != nil {
		r.Title = np.Title
		r.Artist = np.Artist
		r.Album = np.Album
		r.ImageKey = np.ImageKey
		r.DurationSecs = np.Duration
		if md := np.Metadata; md != nil {
			r.Format = md.Format
			r.SampleRate = md.SampleRate
			r.BitDepth = md.BitDepth
		}
	}

	if z, ok := zones.Zone(ev.ZoneID); ok {
		r.ZoneName = &z.ZoneName
		r.Source = &z.Source
	}
	return r
}
