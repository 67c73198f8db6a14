package bus

import "github.com/ohlabs/musebridge/internal/muse"

// Bus-internal events. These never cross the SSE/WebSocket boundary (they do
// not implement muse.WireEvent); the legacy per-adapter events below are
// still forwarded to the cloud ingest by the reporter.

// ZonesFlushed is published by the zone aggregator after it drops every zone
// belonging to a disconnected adapter.
type ZonesFlushed struct {
	Source string `json:"source"`
}

// ShuttingDown tells every adapter handle to stop. Published once by the
// coordinator at shutdown.
type ShuttingDown struct{}

// AdapterStopped is the shutdown ACK: each handle that started successfully
// publishes exactly one on exit.
type AdapterStopped struct {
	Adapter string `json:"adapter"`
}

// Legacy per-adapter connection events, kept for the ingest consumers that
// predate the generic AdapterConnected/AdapterDisconnected pair.

type RoonConnected struct {
	CoreName string  `json:"core_name"`
	Version  *string `json:"version"`
}

type RoonDisconnected struct{}

type HqpConnected struct {
	Host string `json:"host"`
}

type HqpDisconnected struct {
	Host string `json:"host"`
}

type HqpStateChanged struct {
	Host  string `json:"host"`
	State string `json:"state"`
}

type LmsConnected struct {
	Host string `json:"host"`
}

type LmsDisconnected struct {
	Host string `json:"host"`
}

type LmsPlayerStateChanged struct {
	PlayerID string             `json:"player_id"`
	State    muse.PlaybackState `json:"state"`
}

func (ZonesFlushed) EventType() string          { return "zones_flushed" }
func (ShuttingDown) EventType() string          { return "shutting_down" }
func (AdapterStopped) EventType() string        { return "adapter_stopped" }
func (RoonConnected) EventType() string         { return "roon_connected" }
func (RoonDisconnected) EventType() string      { return "roon_disconnected" }
func (HqpConnected) EventType() string          { return "hqp_connected" }
func (HqpDisconnected) EventType() string       { return "hqp_disconnected" }
func (HqpStateChanged) EventType() string       { return "hqp_state_changed" }
func (LmsConnected) EventType() string          { return "lms_connected" }
func (LmsDisconnected) EventType() string       { return "lms_disconnected" }
func (LmsPlayerStateChanged) EventType() string { return "lms_player_state_changed" }
