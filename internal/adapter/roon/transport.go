package roon

import "context"

// Bridge frame types. Incoming frames carry core and zone events; outgoing
// frames carry transport commands.
const (
	EventCoreFound    = "core_found"
	EventCoreLost     = "core_lost"
	EventZonesChanged = "zones_changed"
	EventZoneRemoved  = "zone_removed"

	frameControl      = "control"
	frameChangeVolume = "change_volume"
)

// Volume change modes accepted by the bridge (Roon transport semantics).
const (
	VolumeAbsolute = "absolute"
	VolumeRelative = "relative"
)

// Transport is the adapter's view of a Roon core. The shipped implementation
// is the WebSocket Sidecar; tests substitute a fake.
type Transport interface {
	// Connect establishes the link. The transport shuts down when ctx ends.
	Connect(ctx context.Context) error
	// Events delivers decoded bridge frames. The channel closes when the
	// link is lost.
	Events() <-chan TransportEvent
	// Control sends a zone transport command (play, pause, playpause, stop,
	// next, previous, mute, unmute).
	Control(ctx context.Context, zoneID, control string) error
	// ChangeVolume adjusts one output, how is VolumeAbsolute or VolumeRelative.
	ChangeVolume(ctx context.Context, outputID, how string, value float64) error
}

// TransportEvent is one decoded frame. Type selects which of the remaining
// fields are meaningful.
type TransportEvent struct {
	Type     string
	CoreName string
	Version  *string
	Zones    []Zone
	ZoneID   string
}

// Zone is the bridge's JSON rendering of a Roon zone. Field names follow the
// Roon transport API.
type Zone struct {
	ZoneID            string          `json:"zone_id"`
	DisplayName       string          `json:"display_name"`
	State             string          `json:"state"`
	IsPlayAllowed     bool            `json:"is_play_allowed"`
	IsPauseAllowed    bool            `json:"is_pause_allowed"`
	IsSeekAllowed     bool            `json:"is_seek_allowed"`
	IsPreviousAllowed bool            `json:"is_previous_allowed"`
	IsNextAllowed     bool            `json:"is_next_allowed"`
	SeekPosition      *float64        `json:"seek_position"`
	Outputs           []Output        `json:"outputs"`
	NowPlaying        *ZoneNowPlaying `json:"now_playing"`
}

// Output is one playback endpoint of a zone. Volume is nil for fixed-volume
// outputs.
type Output struct {
	OutputID    string        `json:"output_id"`
	DisplayName string        `json:"display_name"`
	Volume      *OutputVolume `json:"volume"`
}

// OutputVolume mirrors Roon's volume block. Type is "db" for decibel scales
// and "number" for plain 0..100 devices.
type OutputVolume struct {
	Type    string  `json:"type"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Value   float64 `json:"value"`
	Step    float64 `json:"step"`
	IsMuted bool    `json:"is_muted"`
}

// ZoneNowPlaying is the current track as Roon presents it: three display
// lines (title, artist, album), seek and length in seconds.
type ZoneNowPlaying struct {
	SeekPosition *float64  `json:"seek_position"`
	Length       *float64  `json:"length"`
	ImageKey     *string   `json:"image_key"`
	ThreeLine    ThreeLine `json:"three_line"`
}

type ThreeLine struct {
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
	Line3 string `json:"line3"`
}
