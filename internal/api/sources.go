// Package api serves the bridge's HTTP surface: zone queries, control
// dispatch, the SSE/WebSocket event streams, runtime settings, and the
// health/status/metrics endpoints.
package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
	"github.com/ohlabs/musebridge/internal/settings"
)

// The api package owns the interfaces it consumes. The aggregator,
// coordinator, settings store, and bus implement them — no circular imports.

// ZoneSource is the aggregator's query surface.
type ZoneSource interface {
	// Zones returns a snapshot of all known zones, sorted by zone id.
	Zones() []muse.Zone

	// Zone returns one zone by its prefixed id.
	Zone(id string) (muse.Zone, bool)
}

// CommandSink routes control commands to the adapter owning the zone.
// Errors are matched with errors.Is against the adapter sentinels to pick
// response status codes.
type CommandSink interface {
	Control(ctx context.Context, zoneID, action string, value *float64) (uuid.UUID, adapter.Response, error)
}

// StatusSource reports per-adapter runtime state for /status and /health.
type StatusSource interface {
	// AdapterStates maps adapter prefix to its lifecycle state.
	AdapterStates() map[string]string

	// AdapterDetails maps adapter prefix to backend-specific detail
	// (core name, host, player counts). Adapters without detail are absent.
	AdapterDetails() map[string]map[string]any
}

// SettingsStore is the runtime settings surface.
type SettingsStore interface {
	Current() settings.Settings
	Apply(settings.Settings) error
}

// EventSource hands out bus subscriptions for the event stream.
type EventSource interface {
	Subscribe() *bus.Subscription
}

// ReporterSource exposes the reporter's enablement for /health.
type ReporterSource interface {
	IsEnabled() bool
}

// MQTTSource exposes the MQTT bridge connection for /health. Nil when the
// bridge is not configured.
type MQTTSource interface {
	IsConnected() bool
}
