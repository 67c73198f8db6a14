// Package roon projects Roon zones into the bridge. The vendor RPC protocol
// stays outside the process: a small extension sidecar speaks it and relays
// core and zone events over a WebSocket (see Transport), so this adapter only
// translates frames to bus events and commands back to frames.
package roon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

const prefix = "roon"

type Options struct {
	// BridgeURL is the ws:// endpoint of the extension sidecar.
	BridgeURL string
	// Transport overrides the sidecar connection, for tests.
	Transport Transport
	Bus       *bus.Bus
	Log       zerolog.Logger
}

// Adapter consumes bridge frames and owns every zone with the "roon:" prefix.
// It implements adapter.Logic and StatusReporter.
type Adapter struct {
	opts      Options
	bus       *bus.Bus
	log       zerolog.Logger
	transport Transport

	mu        sync.RWMutex
	connected bool
	coreName  string
	version   *string
	zones     map[string]Zone
}

func New(opts Options) *Adapter {
	return &Adapter{
		opts:  opts,
		bus:   opts.Bus,
		log:   opts.Log.With().Str("component", "roon").Logger(),
		zones: make(map[string]Zone),
	}
}

func (a *Adapter) Prefix() string { return prefix }

func (a *Adapter) Init(ctx context.Context) error {
	if a.opts.Transport != nil {
		a.transport = a.opts.Transport
		return nil
	}
	if a.opts.BridgeURL == "" {
		return errors.New("no bridge URL configured (set MUSE_ROON_BRIDGE_URL)")
	}
	a.transport = NewSidecar(a.opts.BridgeURL, a.log)
	return nil
}

// Run connects to the bridge and consumes frames until the context ends or
// the link drops. A dropped link returns an error so the supervisor redials
// with backoff.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect bridge: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.markDisconnected("shutting down")
			return ctx.Err()
		case ev, ok := <-a.transport.Events():
			if !ok {
				a.markDisconnected("bridge connection lost")
				return errors.New("bridge connection lost")
			}
			a.dispatch(ev)
		}
	}
}

func (a *Adapter) dispatch(ev TransportEvent) {
	switch ev.Type {
	case EventCoreFound:
		a.markConnected(ev.CoreName, ev.Version)
	case EventCoreLost:
		a.markDisconnected("core lost")
	case EventZonesChanged:
		a.applyZones(ev.Zones)
	case EventZoneRemoved:
		a.removeZone(ev.ZoneID)
	default:
		a.log.Debug().Str("type", ev.Type).Msg("ignoring unknown bridge frame")
	}
}

func (a *Adapter) markConnected(coreName string, version *string) {
	a.mu.Lock()
	already := a.connected
	a.connected = true
	a.coreName = coreName
	a.version = version
	a.mu.Unlock()
	if already {
		return
	}
	a.log.Info().Str("core", coreName).Msg("core found")
	a.bus.Publish(bus.RoonConnected{CoreName: coreName, Version: version})
	details := coreName
	a.bus.Publish(muse.AdapterConnected{Adapter: prefix, Details: &details})
}

func (a *Adapter) markDisconnected(reason string) {
	a.mu.Lock()
	was := a.connected
	a.connected = false
	a.coreName = ""
	a.version = nil
	a.zones = make(map[string]Zone)
	a.mu.Unlock()
	if !was {
		return
	}
	a.log.Info().Str("reason", reason).Msg("core lost")
	a.bus.Publish(bus.RoonDisconnected{})
	a.bus.Publish(muse.AdapterDisconnected{Adapter: prefix, Reason: &reason})
}

// applyZones folds a zones_changed frame into the cache. The frame carries
// full zone objects for the zones that changed; absence means unchanged, so
// removals only ever arrive as zone_removed frames.
func (a *Adapter) applyZones(zones []Zone) {
	for _, z := range zones {
		a.mu.Lock()
		old, known := a.zones[z.ZoneID]
		a.zones[z.ZoneID] = z
		a.mu.Unlock()

		if !known {
			a.log.Debug().Str("zone_id", z.ZoneID).Str("name", z.DisplayName).Msg("zone discovered")
			a.bus.Publish(muse.ZoneDiscovered{Zone: a.zone(z)})
			continue
		}
		a.publishDiff(old, z)
	}
}

func (a *Adapter) removeZone(zoneID string) {
	a.mu.Lock()
	_, known := a.zones[zoneID]
	delete(a.zones, zoneID)
	a.mu.Unlock()
	if !known {
		return
	}
	a.log.Debug().Str("zone_id", zoneID).Msg("zone removed")
	a.bus.Publish(muse.ZoneRemoved{ZoneID: ZoneID(zoneID)})
}

// publishDiff emits the events implied by old → z for one known zone. A seek
// tick is only emitted when the track itself is unchanged; track changes
// carry their own seek inside NowPlayingChanged.
func (a *Adapter) publishDiff(old, z Zone) {
	if old.DisplayName != z.DisplayName || old.State != z.State {
		a.bus.Publish(muse.ZoneUpdated{ZoneState: muse.ZoneState{
			ZoneID:      ZoneID(z.ZoneID),
			DisplayName: z.DisplayName,
			State:       muse.ParsePlaybackState(z.State),
		}})
	}
	if trackChanged(old.NowPlaying, z.NowPlaying) {
		a.bus.Publish(muse.NowPlayingChanged{ZoneID: ZoneID(z.ZoneID), NowPlaying: nowPlaying(z)})
	} else if s := seekOf(z); s != nil {
		if prev := seekOf(old); prev == nil || *prev != *s {
			a.bus.Publish(muse.SeekPositionChanged{
				ZoneID:   ZoneID(z.ZoneID),
				Position: int64(*s * 1000),
			})
		}
	}

	oldOutputs := make(map[string]Output, len(old.Outputs))
	for _, out := range old.Outputs {
		oldOutputs[out.OutputID] = out
	}
	for _, out := range z.Outputs {
		if out.Volume == nil {
			continue
		}
		prev, ok := oldOutputs[out.OutputID]
		if ok && prev.Volume != nil &&
			prev.Volume.Value == out.Volume.Value &&
			prev.Volume.IsMuted == out.Volume.IsMuted {
			continue
		}
		a.bus.Publish(muse.VolumeChanged{
			OutputID: out.OutputID,
			Value:    float32(out.Volume.Value),
			IsMuted:  out.Volume.IsMuted,
		})
	}
}

func trackChanged(old, cur *ZoneNowPlaying) bool {
	if (old == nil) != (cur == nil) {
		return true
	}
	if old == nil {
		return false
	}
	return old.ThreeLine != cur.ThreeLine || !strPtrEqual(old.ImageKey, cur.ImageKey)
}

func seekOf(z Zone) *float64 {
	if z.NowPlaying != nil && z.NowPlaying.SeekPosition != nil {
		return z.NowPlaying.SeekPosition
	}
	return z.SeekPosition
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ZoneID maps a Roon zone id to its bridge zone id.
func ZoneID(roonID string) string { return prefix + ":" + roonID }

func (a *Adapter) zone(z Zone) muse.Zone {
	mz := muse.Zone{
		ZoneID:            ZoneID(z.ZoneID),
		ZoneName:          z.DisplayName,
		State:             muse.ParsePlaybackState(z.State),
		NowPlaying:        nowPlaying(z),
		Source:            prefix,
		IsControllable:    true,
		IsSeekable:        z.IsSeekAllowed,
		IsPlayAllowed:     z.IsPlayAllowed,
		IsPauseAllowed:    z.IsPauseAllowed,
		IsNextAllowed:     z.IsNextAllowed,
		IsPreviousAllowed: z.IsPreviousAllowed,
	}
	if out, vol := primaryVolume(z); vol != nil {
		outputID := out
		mz.VolumeControl = &muse.VolumeControl{
			Value:    float32(vol.Value),
			Min:      float32(vol.Min),
			Max:      float32(vol.Max),
			Step:     float32(vol.Step),
			IsMuted:  vol.IsMuted,
			Scale:    volumeScale(vol.Type),
			OutputID: &outputID,
		}
	}
	return mz
}

// primaryVolume picks the first output carrying a volume block; grouped zones
// expose their remaining outputs through VolumeChanged events only.
func primaryVolume(z Zone) (string, *OutputVolume) {
	for _, out := range z.Outputs {
		if out.Volume != nil {
			return out.OutputID, out.Volume
		}
	}
	return "", nil
}

func volumeScale(t string) muse.VolumeScale {
	switch t {
	case "db":
		return muse.ScaleDecibel
	case "number":
		return muse.ScalePercentage
	}
	return muse.ScaleUnknown
}

func nowPlaying(z Zone) *muse.NowPlaying {
	np := z.NowPlaying
	if np == nil || np.ThreeLine.Line1 == "" {
		return nil
	}
	out := &muse.NowPlaying{
		Title:        np.ThreeLine.Line1,
		Artist:       np.ThreeLine.Line2,
		Album:        np.ThreeLine.Line3,
		ImageKey:     np.ImageKey,
		SeekPosition: seekOf(z),
		Duration:     np.Length,
	}
	return out
}

// HandleCommand translates bridge commands into transport frames. Transport
// verbs go to the zone; volume goes to the zone's primary output.
func (a *Adapter) HandleCommand(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	roonID := strings.TrimPrefix(cmd.ZoneID, prefix+":")

	switch cmd.Action {
	case adapter.ActionVolumeSet, adapter.ActionVolumeRel:
		if cmd.Value == nil {
			return adapter.Response{}, fmt.Errorf("%s requires a value: %w", cmd.Action, adapter.ErrInvalidAction)
		}
		a.mu.RLock()
		z, ok := a.zones[roonID]
		a.mu.RUnlock()
		if !ok {
			return adapter.Response{}, fmt.Errorf("zone %s: %w", cmd.ZoneID, adapter.ErrUnknownZone)
		}
		outputID, vol := primaryVolume(z)
		if vol == nil {
			return adapter.Response{}, fmt.Errorf("zone %s has fixed volume: %w", cmd.ZoneID, adapter.ErrInvalidAction)
		}
		how := VolumeAbsolute
		if cmd.Action == adapter.ActionVolumeRel {
			how = VolumeRelative
		}
		if err := a.transport.ChangeVolume(ctx, outputID, how, *cmd.Value); err != nil {
			return adapter.Response{}, err
		}
		return adapter.Response{}, nil
	}

	verb, err := controlVerb(cmd.Action)
	if err != nil {
		return adapter.Response{}, err
	}
	if err := a.transport.Control(ctx, roonID, verb); err != nil {
		return adapter.Response{}, err
	}
	return adapter.Response{}, nil
}

func controlVerb(action string) (string, error) {
	switch action {
	case adapter.ActionPlay:
		return "play", nil
	case adapter.ActionPause:
		return "pause", nil
	case adapter.ActionPlayPause:
		return "playpause", nil
	case adapter.ActionStop:
		return "stop", nil
	case adapter.ActionNext:
		return "next", nil
	case adapter.ActionPrevious:
		return "previous", nil
	case adapter.ActionMute:
		return "mute", nil
	case adapter.ActionUnmute:
		return "unmute", nil
	}
	return "", fmt.Errorf("action %q: %w", action, adapter.ErrInvalidAction)
}

// Status implements adapter.StatusReporter.
func (a *Adapter) Status() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := map[string]any{
		"connected":  a.connected,
		"zone_count": len(a.zones),
	}
	if a.coreName != "" {
		st["core_name"] = a.coreName
	}
	if a.version != nil {
		st["core_version"] = *a.version
	}
	return st
}
