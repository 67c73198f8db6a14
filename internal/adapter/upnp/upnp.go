// Package upnp projects UPnP AV MediaRenderers into bridge zones with the
// "upnp:" prefix. Renderers are configured by description URL; there is no
// SSDP discovery.
package upnp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
	"github.com/ohlabs/musebridge/internal/soap"
)

const (
	prefix       = "upnp"
	pollInterval = 2 * time.Second
	// refreshDelay gives the renderer a moment to apply a command before the
	// post-command state read.
	refreshDelay   = 100 * time.Millisecond
	refreshTimeout = 3 * time.Second

	avTransportType      = "urn:schemas-upnp-org:service:AVTransport:"
	renderingControlType = "urn:schemas-upnp-org:service:RenderingControl:"
)

// ActionSeek jumps to an absolute position; Value is seconds into the track.
const ActionSeek = "seek"

type Options struct {
	// Renderers holds name=descriptionURL entries.
	Renderers []string
	// Client overrides the SOAP client, mainly so adapters can share one.
	Client *soap.Client
	Bus    *bus.Bus
	Log    zerolog.Logger
}

// Adapter polls each configured renderer every 2s over AVTransport and
// RenderingControl. It implements adapter.Logic and StatusReporter.
type Adapter struct {
	opts   Options
	bus    *bus.Bus
	log    zerolog.Logger
	client *soap.Client

	// renderers is fixed after Init; only per-renderer state mutates.
	renderers []*renderer

	mu        sync.RWMutex
	connected bool
}

type renderer struct {
	name    string
	slug    string
	descURL string

	// Guarded by Adapter.mu.
	avTransport      soap.Service
	renderingControl soap.Service
	online           bool
	snap             snapshot
}

// snapshot is one renderer's state as of the last read.
type snapshot struct {
	State    muse.PlaybackState
	Title    string
	Artist   string
	Album    string
	Artwork  string
	Seek     float64
	Duration float64
	Volume   float64
	Muted    bool
}

func New(opts Options) *Adapter {
	return &Adapter{
		opts: opts,
		bus:  opts.Bus,
		log:  opts.Log.With().Str("component", "upnp").Logger(),
	}
}

func (a *Adapter) Prefix() string { return prefix }

// Init parses the configured renderer list. Control URLs are resolved lazily
// in Run so an unreachable renderer does not block startup.
func (a *Adapter) Init(ctx context.Context) error {
	targets, err := soap.ParseTargets(a.opts.Renderers)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no renderers configured (set MUSE_UPNP_RENDERERS)")
	}
	for _, tgt := range targets {
		a.renderers = append(a.renderers, &renderer{name: tgt.Name, slug: tgt.Slug, descURL: tgt.DescURL})
	}

	a.client = a.opts.Client
	if a.client == nil {
		a.client = soap.New(soap.Options{Log: a.log})
	}
	return nil
}

// Run polls until the context ends or every renderer is unreachable. The
// first successful poll marks the backend connected; losing all renderers
// disconnects and returns so the supervisor retries with backoff.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.poll(ctx); err != nil {
		return fmt.Errorf("poll renderers: %w", err)
	}
	a.markConnected()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.markDisconnected("shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				a.markDisconnected(err.Error())
				return fmt.Errorf("poll renderers: %w", err)
			}
		}
	}
}

func (a *Adapter) markConnected() {
	a.mu.Lock()
	already := a.connected
	a.connected = true
	a.mu.Unlock()
	if already {
		return
	}
	details := fmt.Sprintf("%d renderers", len(a.renderers))
	a.log.Info().Int("renderers", len(a.renderers)).Msg("connected")
	a.bus.Publish(muse.AdapterConnected{Adapter: prefix, Details: &details})
}

func (a *Adapter) markDisconnected(reason string) {
	a.mu.Lock()
	was := a.connected
	a.connected = false
	for _, r := range a.renderers {
		r.online = false
		r.snap = snapshot{}
	}
	a.mu.Unlock()
	if !was {
		return
	}
	a.log.Info().Str("reason", reason).Msg("disconnected")
	a.bus.Publish(muse.AdapterDisconnected{Adapter: prefix, Reason: &reason})
}

// poll refreshes every renderer. A single unreachable renderer only drops its
// zone; the poll fails when no renderer answered at all.
func (a *Adapter) poll(ctx context.Context) error {
	var lastErr error
	online := 0
	for _, r := range a.renderers {
		if err := a.pollRenderer(ctx, r); err != nil {
			lastErr = err
			a.dropRenderer(r, err)
			continue
		}
		online++
	}
	if online == 0 {
		return fmt.Errorf("all renderers unreachable: %w", lastErr)
	}
	return nil
}

func (a *Adapter) pollRenderer(ctx context.Context, r *renderer) error {
	if err := a.resolve(ctx, r); err != nil {
		return err
	}
	snap, err := a.read(ctx, r)
	if err != nil {
		return err
	}

	a.mu.Lock()
	was := r.online
	old := r.snap
	r.online = true
	r.snap = snap
	a.mu.Unlock()

	if !was {
		a.log.Debug().Str("renderer", r.name).Str("zone_id", ZoneID(r.slug)).Msg("renderer online")
		a.bus.Publish(muse.ZoneDiscovered{Zone: a.zone(r, snap)})
		return nil
	}
	a.publishDiff(r, old, snap)
	return nil
}

// resolve fetches the device description and picks the AVTransport and
// RenderingControl endpoints. Cached until the renderer drops.
func (a *Adapter) resolve(ctx context.Context, r *renderer) error {
	a.mu.RLock()
	resolved := r.avTransport.ControlURL != "" && r.renderingControl.ControlURL != ""
	a.mu.RUnlock()
	if resolved {
		return nil
	}

	dev, err := a.client.Describe(ctx, r.descURL)
	if err != nil {
		return err
	}
	av, ok := dev.Service(avTransportType)
	if !ok {
		return fmt.Errorf("%s: no AVTransport service", r.name)
	}
	rc, ok := dev.Service(renderingControlType)
	if !ok {
		return fmt.Errorf("%s: no RenderingControl service", r.name)
	}

	a.mu.Lock()
	r.avTransport, r.renderingControl = av, rc
	a.mu.Unlock()
	return nil
}

// read pulls transport state, position, and volume in one pass.
func (a *Adapter) read(ctx context.Context, r *renderer) (snapshot, error) {
	a.mu.RLock()
	av, rc := r.avTransport, r.renderingControl
	a.mu.RUnlock()

	var snap snapshot

	ti, err := a.client.Call(ctx, av.ControlURL, av.Type, "GetTransportInfo", instanceArgs())
	if err != nil {
		return snap, err
	}
	snap.State = parseTransportState(ti.Get("CurrentTransportState"))

	pi, err := a.client.Call(ctx, av.ControlURL, av.Type, "GetPositionInfo", instanceArgs())
	if err != nil {
		return snap, err
	}
	track := soap.ParseDIDL(pi.Get("TrackMetaData"))
	snap.Title, snap.Artist, snap.Album = track.Title, track.Artist, track.Album
	snap.Artwork = track.ArtworkURL
	snap.Duration = soap.ParseClock(pi.Get("TrackDuration"))
	snap.Seek = soap.ParseClock(pi.Get("RelTime"))

	vol, err := a.client.Call(ctx, rc.ControlURL, rc.Type, "GetVolume", channelArgs())
	if err != nil {
		return snap, err
	}
	if v, err := strconv.ParseFloat(vol.Get("CurrentVolume"), 64); err == nil {
		snap.Volume = v
	}

	mute, err := a.client.Call(ctx, rc.ControlURL, rc.Type, "GetMute", channelArgs())
	if err != nil {
		return snap, err
	}
	snap.Muted = soapBool(mute.Get("CurrentMute"))

	return snap, nil
}

// dropRenderer takes one renderer offline and removes its zone. The control
// URLs are cleared so recovery re-reads the description, which survives the
// device restarting on a different port path.
func (a *Adapter) dropRenderer(r *renderer, err error) {
	a.mu.Lock()
	was := r.online
	r.online = false
	r.snap = snapshot{}
	r.avTransport, r.renderingControl = soap.Service{}, soap.Service{}
	a.mu.Unlock()
	if !was {
		return
	}
	a.log.Warn().Err(err).Str("renderer", r.name).Msg("renderer unreachable")
	a.bus.Publish(muse.ZoneRemoved{ZoneID: ZoneID(r.slug)})
}

// publishDiff emits the events implied by old → snap for one online renderer.
func (a *Adapter) publishDiff(r *renderer, old, snap snapshot) {
	if old.State != snap.State {
		a.bus.Publish(muse.ZoneUpdated{ZoneState: muse.ZoneState{
			ZoneID:      ZoneID(r.slug),
			DisplayName: r.name,
			State:       snap.State,
		}})
	}
	if old.Title != snap.Title || old.Artist != snap.Artist || old.Album != snap.Album {
		a.bus.Publish(muse.NowPlayingChanged{ZoneID: ZoneID(r.slug), NowPlaying: nowPlaying(snap)})
	} else if snap.Seek != old.Seek && snap.Title != "" {
		a.bus.Publish(muse.SeekPositionChanged{
			ZoneID:   ZoneID(r.slug),
			Position: int64(snap.Seek * 1000),
		})
	}
	if old.Volume != snap.Volume || old.Muted != snap.Muted {
		a.bus.Publish(muse.VolumeChanged{
			OutputID: r.slug,
			Value:    float32(snap.Volume),
			IsMuted:  snap.Muted,
		})
	}
}

// ZoneID maps a renderer slug to its bridge zone id.
func ZoneID(slug string) string { return prefix + ":" + slug }

func (a *Adapter) zone(r *renderer, snap snapshot) muse.Zone {
	outputID := r.slug
	return muse.Zone{
		ZoneID:   ZoneID(r.slug),
		ZoneName: r.name,
		State:    snap.State,
		VolumeControl: &muse.VolumeControl{
			Value:    float32(snap.Volume),
			Min:      0,
			Max:      100,
			Step:     1,
			IsMuted:  snap.Muted,
			Scale:    muse.ScalePercentage,
			OutputID: &outputID,
		},
		NowPlaying:        nowPlaying(snap),
		Source:            prefix,
		IsControllable:    true,
		IsSeekable:        true,
		IsPlayAllowed:     true,
		IsPauseAllowed:    true,
		IsNextAllowed:     true,
		IsPreviousAllowed: true,
	}
}

func nowPlaying(snap snapshot) *muse.NowPlaying {
	if snap.Title == "" {
		return nil
	}
	seek, dur := snap.Seek, snap.Duration
	np := &muse.NowPlaying{
		Title:        snap.Title,
		Artist:       snap.Artist,
		Album:        snap.Album,
		SeekPosition: &seek,
		Duration:     &dur,
	}
	if snap.Artwork != "" {
		art := snap.Artwork
		np.ImageKey = &art
	}
	return np
}

// HandleCommand executes transport and volume controls. Relative volume is
// computed from the cached level because RenderingControl only takes absolute
// values. After a command the renderer is re-read shortly after so the
// resulting events reflect the change without waiting for the next poll.
func (a *Adapter) HandleCommand(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	r := a.rendererFor(cmd.ZoneID)
	if r == nil {
		return adapter.Response{}, fmt.Errorf("zone %s: %w", cmd.ZoneID, adapter.ErrUnknownZone)
	}

	a.mu.RLock()
	online := r.online
	av, rc := r.avTransport, r.renderingControl
	state, volume := r.snap.State, r.snap.Volume
	a.mu.RUnlock()
	if !online {
		return adapter.Response{}, fmt.Errorf("renderer %s offline: %w", r.name, adapter.ErrUnknownZone)
	}

	var err error
	switch cmd.Action {
	case adapter.ActionPlay:
		err = a.transport(ctx, av, "Play", soap.Arg{Name: "Speed", Value: "1"})
	case adapter.ActionPause:
		err = a.transport(ctx, av, "Pause")
	case adapter.ActionPlayPause:
		if state == muse.StatePlaying {
			err = a.transport(ctx, av, "Pause")
		} else {
			err = a.transport(ctx, av, "Play", soap.Arg{Name: "Speed", Value: "1"})
		}
	case adapter.ActionStop:
		err = a.transport(ctx, av, "Stop")
	case adapter.ActionNext:
		err = a.transport(ctx, av, "Next")
	case adapter.ActionPrevious:
		err = a.transport(ctx, av, "Previous")
	case ActionSeek:
		if cmd.Value == nil {
			return adapter.Response{}, fmt.Errorf("seek requires a position: %w", adapter.ErrInvalidAction)
		}
		err = a.transport(ctx, av, "Seek",
			soap.Arg{Name: "Unit", Value: "REL_TIME"},
			soap.Arg{Name: "Target", Value: soap.FormatClock(*cmd.Value)})
	case adapter.ActionVolumeSet:
		if cmd.Value == nil {
			return adapter.Response{}, fmt.Errorf("volume_set requires a value: %w", adapter.ErrInvalidAction)
		}
		err = a.setVolume(ctx, rc, *cmd.Value)
	case adapter.ActionVolumeRel:
		if cmd.Value == nil {
			return adapter.Response{}, fmt.Errorf("volume_rel requires a value: %w", adapter.ErrInvalidAction)
		}
		err = a.setVolume(ctx, rc, volume+*cmd.Value)
	case adapter.ActionMute:
		err = a.setMute(ctx, rc, true)
	case adapter.ActionUnmute:
		err = a.setMute(ctx, rc, false)
	default:
		return adapter.Response{}, fmt.Errorf("%s: %w", cmd.Action, adapter.ErrInvalidAction)
	}
	if err != nil {
		return adapter.Response{}, err
	}
	a.scheduleRefresh(r)
	return adapter.Response{}, nil
}

func (a *Adapter) rendererFor(zoneID string) *renderer {
	slug := strings.TrimPrefix(zoneID, prefix+":")
	for _, r := range a.renderers {
		if r.slug == slug {
			return r
		}
	}
	return nil
}

func (a *Adapter) transport(ctx context.Context, svc soap.Service, action string, extra ...soap.Arg) error {
	_, err := a.client.Call(ctx, svc.ControlURL, svc.Type, action, instanceArgs(extra...))
	return err
}

func (a *Adapter) setVolume(ctx context.Context, svc soap.Service, value float64) error {
	n := int(math.Round(value))
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	_, err := a.client.Call(ctx, svc.ControlURL, svc.Type, "SetVolume",
		channelArgs(soap.Arg{Name: "DesiredVolume", Value: strconv.Itoa(n)}))
	return err
}

func (a *Adapter) setMute(ctx context.Context, svc soap.Service, muted bool) error {
	v := "0"
	if muted {
		v = "1"
	}
	_, err := a.client.Call(ctx, svc.ControlURL, svc.Type, "SetMute",
		channelArgs(soap.Arg{Name: "DesiredMute", Value: v}))
	return err
}

// scheduleRefresh re-reads one renderer shortly after a command and publishes
// whatever changed.
func (a *Adapter) scheduleRefresh(r *renderer) {
	go func() {
		time.Sleep(refreshDelay)
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		snap, err := a.read(ctx, r)
		if err != nil {
			a.log.Debug().Err(err).Str("renderer", r.name).Msg("post-command refresh failed")
			return
		}

		a.mu.Lock()
		known := r.online
		old := r.snap
		if known {
			r.snap = snap
		}
		a.mu.Unlock()

		if known {
			a.publishDiff(r, old, snap)
		}
	}()
}

// Status implements adapter.StatusReporter for the status endpoint.
func (a *Adapter) Status() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	online := 0
	renderers := make([]map[string]any, 0, len(a.renderers))
	for _, r := range a.renderers {
		if r.online {
			online++
		}
		renderers = append(renderers, map[string]any{
			"name":    r.name,
			"zone_id": ZoneID(r.slug),
			"online":  r.online,
			"state":   string(r.snap.State),
		})
	}

	return map[string]any{
		"connected":      a.connected,
		"renderer_count": len(a.renderers),
		"online_count":   online,
		"renderers":      renderers,
	}
}

// instanceArgs prefixes InstanceID 0, the only instance AV devices expose.
func instanceArgs(extra ...soap.Arg) []soap.Arg {
	return append([]soap.Arg{{Name: "InstanceID", Value: "0"}}, extra...)
}

// channelArgs prefixes InstanceID and the Master channel for RenderingControl.
func channelArgs(extra ...soap.Arg) []soap.Arg {
	return append([]soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Channel", Value: "Master"},
	}, extra...)
}

func parseTransportState(s string) muse.PlaybackState {
	switch s {
	case "PLAYING":
		return muse.StatePlaying
	case "PAUSED_PLAYBACK", "PAUSED_RECORDING":
		return muse.StatePaused
	case "TRANSITIONING":
		return muse.StateLoading
	case "STOPPED", "NO_MEDIA_PRESENT":
		return muse.StateStopped
	}
	return muse.StateUnknown
}

func soapBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
