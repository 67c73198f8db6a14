// Package openhome projects OpenHome media renderers into bridge zones with
// the "openhome:" prefix. Renderers are configured by description URL; there
// is no SSDP discovery. Devices without a Volume service (preamp-less
// players) get zones with fixed volume.
package openhome

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
	prefix       = "openhome"
	pollInterval = 2 * time.Second
	// refreshDelay gives the renderer a moment to apply a command before the
	// post-command state read.
	refreshDelay   = 100 * time.Millisecond
	refreshTimeout = 3 * time.Second

	transportType = "urn:av-openhome-org:service:Transport:"
	infoType      = "urn:av-openhome-org:service:Info:"
	timeType      = "urn:av-openhome-org:service:Time:"
	volumeType    = "urn:av-openhome-org:service:Volume:"

	defaultVolumeMax = 100
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

// Adapter polls each configured renderer every 2s over the OpenHome
// Transport, Info, Time, and Volume services. It implements adapter.Logic
// and StatusReporter.
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
	transport soap.Service
	info      soap.Service
	timeSvc   soap.Service
	volume    soap.Service
	volumeMax float64
	online    bool
	snap      snapshot
}

// snapshot is one renderer's state as of the last read. HasVolume is false
// for devices without a Volume service.
type snapshot struct {
	State     muse.PlaybackState
	Title     string
	Artist    string
	Album     string
	Artwork   string
	Seek      float64
	Duration  float64
	HasVolume bool
	Volume    float64
	VolumeMax float64
	Muted     bool
}

func New(opts Options) *Adapter {
	return &Adapter{
		opts: opts,
		bus:  opts.Bus,
		log:  opts.Log.With().Str("component", "openhome").Logger(),
	}
}

func (a *Adapter) Prefix() string { return prefix }

// Init parses the configured renderer list. Service endpoints are resolved
// lazily in Run so an unreachable renderer does not block startup.
func (a *Adapter) Init(ctx context.Context) error {
	targets, err := soap.ParseTargets(a.opts.Renderers)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no renderers configured (set MUSE_OPENHOME_RENDERERS)")
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

// Run polls until the context ends or every renderer is unreachable, in
// which case it returns so the supervisor retries with backoff.
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

// poll refreshes every renderer. A single unreachable renderer only drops
// its zone; the poll fails when no renderer answered at all.
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

// resolve fetches the device description and picks the OpenHome service
// endpoints. Transport, Info, and Time are required; Volume is optional and
// its absence means fixed volume. Cached until the renderer drops.
func (a *Adapter) resolve(ctx context.Context, r *renderer) error {
	a.mu.RLock()
	resolved := r.transport.ControlURL != ""
	a.mu.RUnlock()
	if resolved {
		return nil
	}

	dev, err := a.client.Describe(ctx, r.descURL)
	if err != nil {
		return err
	}
	tr, ok := dev.Service(transportType)
	if !ok {
		return fmt.Errorf("%s: no OpenHome Transport service", r.name)
	}
	info, ok := dev.Service(infoType)
	if !ok {
		return fmt.Errorf("%s: no OpenHome Info service", r.name)
	}
	tm, ok := dev.Service(timeType)
	if !ok {
		return fmt.Errorf("%s: no OpenHome Time service", r.name)
	}
	vol, hasVol := dev.Service(volumeType)

	volumeMax := float64(defaultVolumeMax)
	if hasVol {
		// VolumeMax comes from the device; Linn units are percent-like but
		// not guaranteed to top out at 100.
		ch, err := a.client.Call(ctx, vol.ControlURL, vol.Type, "Characteristics", nil)
		if err != nil {
			return err
		}
		if v, err := strconv.ParseFloat(ch.Get("VolumeMax"), 64); err == nil && v > 0 {
			volumeMax = v
		}
	}

	a.mu.Lock()
	r.transport, r.info, r.timeSvc = tr, info, tm
	r.volume = vol
	r.volumeMax = volumeMax
	a.mu.Unlock()
	return nil
}

// read pulls transport state, track metadata, position, and volume.
func (a *Adapter) read(ctx context.Context, r *renderer) (snapshot, error) {
	a.mu.RLock()
	tr, info, tm, vol := r.transport, r.info, r.timeSvc, r.volume
	volumeMax := r.volumeMax
	a.mu.RUnlock()

	var snap snapshot

	st, err := a.client.Call(ctx, tr.ControlURL, tr.Type, "TransportState", nil)
	if err != nil {
		return snap, err
	}
	state := st.Get("State")
	if state == "" {
		state = st.Get("Value")
	}
	snap.State = parseTransportState(state)

	trk, err := a.client.Call(ctx, info.ControlURL, info.Type, "Track", nil)
	if err != nil {
		return snap, err
	}
	track := soap.ParseDIDL(trk.Get("Metadata"))
	snap.Title, snap.Artist, snap.Album = track.Title, track.Artist, track.Album
	snap.Artwork = track.ArtworkURL

	tv, err := a.client.Call(ctx, tm.ControlURL, tm.Type, "Time", nil)
	if err != nil {
		return snap, err
	}
	snap.Duration = parseNumber(tv.Get("Duration"))
	snap.Seek = parseNumber(tv.Get("Seconds"))

	if vol.ControlURL != "" {
		vv, err := a.client.Call(ctx, vol.ControlURL, vol.Type, "Volume", nil)
		if err != nil {
			return snap, err
		}
		mv, err := a.client.Call(ctx, vol.ControlURL, vol.Type, "Mute", nil)
		if err != nil {
			return snap, err
		}
		snap.HasVolume = true
		snap.VolumeMax = volumeMax
		snap.Volume = parseNumber(vv.Get("Value"))
		snap.Muted = soapBool(mv.Get("Value"))
	}

	return snap, nil
}

// dropRenderer takes one renderer offline and removes its zone. Endpoints
// are cleared so recovery re-reads the description.
func (a *Adapter) dropRenderer(r *renderer, err error) {
	a.mu.Lock()
	was := r.online
	r.online = false
	r.snap = snapshot{}
	r.transport, r.info, r.timeSvc, r.volume = soap.Service{}, soap.Service{}, soap.Service{}, soap.Service{}
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
	if snap.HasVolume && (old.Volume != snap.Volume || old.Muted != snap.Muted) {
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
	z := muse.Zone{
		ZoneID:            ZoneID(r.slug),
		ZoneName:          r.name,
		State:             snap.State,
		NowPlaying:        nowPlaying(snap),
		Source:            prefix,
		IsControllable:    true,
		IsSeekable:        true,
		IsPlayAllowed:     true,
		IsPauseAllowed:    true,
		IsNextAllowed:     true,
		IsPreviousAllowed: true,
	}
	if snap.HasVolume {
		outputID := r.slug
		scale := muse.ScalePercentage
		if snap.VolumeMax != 100 {
			scale = muse.ScaleLinear
		}
		z.VolumeControl = &muse.VolumeControl{
			Value:    float32(snap.Volume),
			Min:      0,
			Max:      float32(snap.VolumeMax),
			Step:     1,
			IsMuted:  snap.Muted,
			Scale:    scale,
			OutputID: &outputID,
		}
	}
	return z
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

// HandleCommand executes transport and volume controls. Seeking reads the
// current stream id first because SeekSecondAbsolute is per-stream. After a
// command the renderer is re-read shortly after so the resulting events
// reflect the change without waiting for the next poll.
func (a *Adapter) HandleCommand(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	r := a.rendererFor(cmd.ZoneID)
	if r == nil {
		return adapter.Response{}, fmt.Errorf("zone %s: %w", cmd.ZoneID, adapter.ErrUnknownZone)
	}

	a.mu.RLock()
	online := r.online
	tr, vol := r.transport, r.volume
	volumeMax := r.volumeMax
	state, level := r.snap.State, r.snap.Volume
	a.mu.RUnlock()
	if !online {
		return adapter.Response{}, fmt.Errorf("renderer %s offline: %w", r.name, adapter.ErrUnknownZone)
	}

	var err error
	switch cmd.Action {
	case adapter.ActionPlay:
		err = a.call(ctx, tr, "Play", nil)
	case adapter.ActionPause:
		err = a.call(ctx, tr, "Pause", nil)
	case adapter.ActionPlayPause:
		if state == muse.StatePlaying {
			err = a.call(ctx, tr, "Pause", nil)
		} else {
			err = a.call(ctx, tr, "Play", nil)
		}
	case adapter.ActionStop:
		err = a.call(ctx, tr, "Stop", nil)
	case adapter.ActionNext:
		err = a.call(ctx, tr, "SkipNext", nil)
	case adapter.ActionPrevious:
		err = a.call(ctx, tr, "SkipPrevious", nil)
	case ActionSeek:
		if cmd.Value == nil {
			return adapter.Response{}, fmt.Errorf("seek requires a position: %w", adapter.ErrInvalidAction)
		}
		err = a.seek(ctx, tr, *cmd.Value)
	case adapter.ActionVolumeSet, adapter.ActionVolumeRel:
		if cmd.Value == nil {
			return adapter.Response{}, fmt.Errorf("%s requires a value: %w", cmd.Action, adapter.ErrInvalidAction)
		}
		if vol.ControlURL == "" {
			return adapter.Response{}, fmt.Errorf("zone %s has fixed volume: %w", cmd.ZoneID, adapter.ErrInvalidAction)
		}
		target := *cmd.Value
		if cmd.Action == adapter.ActionVolumeRel {
			target = level + *cmd.Value
		}
		err = a.setVolume(ctx, vol, target, volumeMax)
	case adapter.ActionMute, adapter.ActionUnmute:
		if vol.ControlURL == "" {
			return adapter.Response{}, fmt.Errorf("zone %s has fixed volume: %w", cmd.ZoneID, adapter.ErrInvalidAction)
		}
		v := "0"
		if cmd.Action == adapter.ActionMute {
			v = "1"
		}
		err = a.call(ctx, vol, "SetMute", []soap.Arg{{Name: "Value", Value: v}})
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

func (a *Adapter) call(ctx context.Context, svc soap.Service, action string, args []soap.Arg) error {
	_, err := a.client.Call(ctx, svc.ControlURL, svc.Type, action, args)
	return err
}

func (a *Adapter) seek(ctx context.Context, tr soap.Service, seconds float64) error {
	si, err := a.client.Call(ctx, tr.ControlURL, tr.Type, "StreamInfo", nil)
	if err != nil {
		return err
	}
	if seconds < 0 {
		seconds = 0
	}
	return a.call(ctx, tr, "SeekSecondAbsolute", []soap.Arg{
		{Name: "StreamId", Value: si.Get("StreamId")},
		{Name: "SecondAbsolute", Value: strconv.Itoa(int(seconds))},
	})
}

func (a *Adapter) setVolume(ctx context.Context, svc soap.Service, value, max float64) error {
	n := int(math.Round(value))
	if n < 0 {
		n = 0
	}
	if limit := int(max); limit > 0 && n > limit {
		n = limit
	}
	return a.call(ctx, svc, "SetVolume", []soap.Arg{{Name: "Value", Value: strconv.Itoa(n)}})
}

// scheduleRefresh re-reads one renderer shortly after a command and
// publishes whatever changed.
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

func parseTransportState(s string) muse.PlaybackState {
	switch s {
	case "Playing":
		return muse.StatePlaying
	case "Paused":
		return muse.StatePaused
	case "Stopped":
		return muse.StateStopped
	case "Buffering":
		return muse.StateBuffering
	case "Waiting":
		return muse.StateLoading
	}
	return muse.StateUnknown
}

func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func soapBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
