package muse

// Event is implemented by everything that travels on the event bus. EventType
// returns the stable snake_case identifier used on the ingest wire and in
// debounce keys.
type Event interface {
	EventType() string
}

// WireEvent is the subset of events that crosses the SSE/WebSocket boundary.
// Bus-internal events (lifecycle, legacy adapter chatter) do not implement it
// and are filtered out at the edge.
type WireEvent interface {
	Event
	wireTag() string
}

// ZoneDiscovered announces a zone an adapter has found. Re-announcing a known
// zone is an idempotent replace.
type ZoneDiscovered struct {
	Zone Zone `json:"zone"`
}

// ZoneUpdated carries the compact state delta for a known zone. Its wire
// payload is the ZoneState object itself, no wrapper.
type ZoneUpdated struct {
	ZoneState
}

// ZoneRemoved announces that a zone went away (player offline, adapter lost).
type ZoneRemoved struct {
	ZoneID string `json:"zone_id"`
}

// NowPlayingChanged replaces a zone's now-playing info. A nil NowPlaying
// means the zone stopped presenting a track.
type NowPlayingChanged struct {
	ZoneID     string      `json:"zone_id"`
	NowPlaying *NowPlaying `json:"now_playing"`
}

// SeekPositionChanged is the per-second progress tick. Position is
// milliseconds into the track.
type SeekPositionChanged struct {
	ZoneID   string `json:"zone_id"`
	Position int64  `json:"position"`
}

// VolumeChanged addresses an output, not a zone: every zone sharing the
// output applies it.
type VolumeChanged struct {
	OutputID string  `json:"output_id"`
	Value    float32 `json:"value"`
	IsMuted  bool    `json:"is_muted"`
}

// AdapterConnected signals an adapter reached its backend.
type AdapterConnected struct {
	Adapter string  `json:"adapter"`
	Details *string `json:"details"`
}

// AdapterDisconnected signals an adapter lost its backend. The aggregator
// reacts by flushing the adapter's zones.
type AdapterDisconnected struct {
	Adapter string  `json:"adapter"`
	Reason  *string `json:"reason"`
}

// HqpPipelineChanged reports a change to the DSP engine's active pipeline.
type HqpPipelineChanged struct {
	Host   string  `json:"host"`
	Filter *string `json:"filter"`
	Shaper *string `json:"shaper"`
	Rate   *string `json:"rate"`
}

func (ZoneDiscovered) EventType() string      { return "zone_discovered" }
func (ZoneUpdated) EventType() string         { return "zone_updated" }
func (ZoneRemoved) EventType() string         { return "zone_removed" }
func (NowPlayingChanged) EventType() string   { return "now_playing_changed" }
func (SeekPositionChanged) EventType() string { return "seek_position_changed" }
func (VolumeChanged) EventType() string       { return "volume_changed" }
func (AdapterConnected) EventType() string    { return "adapter_connected" }
func (AdapterDisconnected) EventType() string { return "adapter_disconnected" }
func (HqpPipelineChanged) EventType() string  { return "hqp_pipeline_changed" }

func (ZoneDiscovered) wireTag() string      { return "ZoneDiscovered" }
func (ZoneUpdated) wireTag() string         { return "ZoneUpdated" }
func (ZoneRemoved) wireTag() string         { return "ZoneRemoved" }
func (NowPlayingChanged) wireTag() string   { return "NowPlayingChanged" }
func (SeekPositionChanged) wireTag() string { return "SeekPositionChanged" }
func (VolumeChanged) wireTag() string       { return "VolumeChanged" }
func (AdapterConnected) wireTag() string    { return "AdapterConnected" }
func (AdapterDisconnected) wireTag() string { return "AdapterDisconnected" }
func (HqpPipelineChanged) wireTag() string  { return "HqpPipelineChanged" }

// IsZoneEvent reports whether e is part of the zone lifecycle.
func IsZoneEvent(e Event) bool {
	switch e.(type) {
	case ZoneDiscovered, ZoneUpdated, ZoneRemoved:
		return true
	}
	return false
}

// IsPlaybackEvent reports whether e describes playback progress or volume.
func IsPlaybackEvent(e Event) bool {
	switch e.(type) {
	case NowPlayingChanged, SeekPositionChanged, VolumeChanged:
		return true
	}
	return false
}

// IsAdapterEvent reports whether e is adapter lifecycle.
func IsAdapterEvent(e Event) bool {
	switch e.(type) {
	case AdapterConnected, AdapterDisconnected:
		return true
	}
	return false
}
