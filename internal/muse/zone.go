// Package muse defines the wire types shared across the Muse ecosystem:
// zones, playback state, now-playing metadata, the event envelope, and the
// ingest batch format. Consumers (web UI, knobs, Memex ingest) depend on
// these JSON shapes — field names here are wire contract.
package muse

import "strings"

// Zone is the unified playback destination across all adapters (a Roon zone,
// an LMS player, a UPnP renderer). The zone_id carries the owning adapter's
// prefix, e.g. "lms:aa:bb:cc:dd:ee:ff".
type Zone struct {
	ZoneID        string         `json:"zone_id"`
	ZoneName      string         `json:"zone_name"`
	State         PlaybackState  `json:"state"`
	VolumeControl *VolumeControl `json:"volume_control"`
	NowPlaying    *NowPlaying    `json:"now_playing"`
	// Source is the adapter prefix that owns this zone ("roon", "lms", ...).
	Source         string `json:"source"`
	IsControllable bool   `json:"is_controllable"`
	IsSeekable     bool   `json:"is_seekable"`
	// LastUpdated is milliseconds since the Unix epoch.
	LastUpdated       uint64 `json:"last_updated"`
	IsPlayAllowed     bool   `json:"is_play_allowed"`
	IsPauseAllowed    bool   `json:"is_pause_allowed"`
	IsNextAllowed     bool   `json:"is_next_allowed"`
	IsPreviousAllowed bool   `json:"is_previous_allowed"`
}

// Prefix returns the adapter prefix portion of the zone id (everything before
// the first ':'), or "" when the id carries no prefix.
func (z Zone) Prefix() string {
	return ZonePrefix(z.ZoneID)
}

// ZonePrefix extracts the adapter prefix from a prefixed zone id.
func ZonePrefix(zoneID string) string {
	i := strings.IndexByte(zoneID, ':')
	if i <= 0 {
		return ""
	}
	return zoneID[:i]
}

// ZoneState is the compact form carried by ZoneUpdated events.
type ZoneState struct {
	ZoneID      string        `json:"zone_id"`
	DisplayName string        `json:"display_name"`
	State       PlaybackState `json:"state"`
}

// PlaybackState is a lowercase string on the wire.
type PlaybackState string

const (
	StatePlaying   PlaybackState = "playing"
	StatePaused    PlaybackState = "paused"
	StateStopped   PlaybackState = "stopped"
	StateLoading   PlaybackState = "loading"
	StateBuffering PlaybackState = "buffering"
	StateUnknown   PlaybackState = "unknown"
)

// ParsePlaybackState maps backend state strings to a PlaybackState. It accepts
// the short imperative forms some backends report ("play", "pause", "stop"),
// case-insensitively. Anything unrecognized maps to StateUnknown.
func ParsePlaybackState(s string) PlaybackState {
	switch strings.ToLower(s) {
	case "playing", "play":
		return StatePlaying
	case "paused", "pause":
		return StatePaused
	case "stopped", "stop":
		return StateStopped
	case "loading":
		return StateLoading
	case "buffering":
		return StateBuffering
	default:
		return StateUnknown
	}
}

func (s PlaybackState) String() string {
	if s == "" {
		return string(StateUnknown)
	}
	return string(s)
}

// VolumeScale identifies the unit of a VolumeControl's value range.
type VolumeScale string

const (
	ScaleDecibel    VolumeScale = "decibel"    // typically -64..0
	ScalePercentage VolumeScale = "percentage" // 0..100
	ScaleLinear     VolumeScale = "linear"     // 0.0..1.0
	ScaleUnknown    VolumeScale = "unknown"
)

// VolumeControl describes the volume surface of a zone or one of its outputs.
type VolumeControl struct {
	Value   float32     `json:"value"`
	Min     float32     `json:"min"`
	Max     float32     `json:"max"`
	Step    float32     `json:"step"`
	IsMuted bool        `json:"is_muted"`
	Scale   VolumeScale `json:"scale"`
	// OutputID addresses this control on multi-output zones.
	OutputID *string `json:"output_id"`
}

// NowPlaying is the current track. Title/artist/album are always present
// (possibly empty); the rest is best-effort per backend.
type NowPlaying struct {
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	ImageKey *string `json:"image_key"`
	// SeekPosition and Duration are seconds.
	SeekPosition *float64       `json:"seek_position"`
	Duration     *float64       `json:"duration"`
	Metadata     *TrackMetadata `json:"metadata"`
}

// TrackMetadata carries stream/format details when the backend exposes them.
type TrackMetadata struct {
	Format      *string `json:"format"`      // "FLAC", "DSD", "MQA", ...
	SampleRate  *uint32 `json:"sample_rate"` // Hz
	BitDepth    *uint8  `json:"bit_depth"`
	Bitrate     *uint32 `json:"bitrate"` // kbps
	Genre       *string `json:"genre"`
	Composer    *string `json:"composer"`
	TrackNumber *uint32 `json:"track_number"`
	DiscNumber  *uint32 `json:"disc_number"`
}
