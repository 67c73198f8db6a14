package hqplayer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

const (
	prefix       = "hqplayer"
	pollInterval = 2 * time.Second
	refreshDelay = 100 * time.Millisecond
	defaultPort  = 8088
)

// Query actions dispatched by the MCP layer via Coordinator.Query.
const (
	QueryStatus      = "status"
	QueryProfiles    = "profiles"
	QueryLoadProfile = "load_profile"
	QuerySetPipeline = "set_pipeline"
)

// Pipeline settings accepted by QuerySetPipeline. Values are the integer
// indices HQPlayer uses internally; mode additionally accepts -1 for PCM.
const (
	SettingMode     = "mode"
	SettingRate     = "samplerate"
	SettingFilter1x = "filter1x"
	SettingFilterNx = "filternx"
	SettingShaper   = "shaper"
)

// Control is the slice of the HQPlayer API the adapter needs. *Client is the
// shipped implementation; tests substitute their own.
type Control interface {
	Status(ctx context.Context) (Status, error)
	PipelineStatus(ctx context.Context) (Pipeline, error)
	Profiles(ctx context.Context) ([]string, error)
	LoadProfile(ctx context.Context, name string) error
	SetMode(ctx context.Context, value int) error
	SetRate(ctx context.Context, value int) error
	SetFilter1x(ctx context.Context, value int) error
	SetFilterNx(ctx context.Context, value int) error
	SetShaper(ctx context.Context, value int) error
	SetVolume(ctx context.Context, value float64) error
}

type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	// Control overrides the default HTTP client when set.
	Control Control
	Bus     *bus.Bus
	Log     zerolog.Logger
}

// Adapter polls an HQPlayer instance and surfaces its state and pipeline on
// the bus. It implements adapter.Logic and StatusReporter.
type Adapter struct {
	opts    Options
	bus     *bus.Bus
	log     zerolog.Logger
	control Control
	host    string

	mu        sync.RWMutex
	connected bool
	state     string
	pipeline  Pipeline
	profiles  []string
}

func New(opts Options) *Adapter {
	return &Adapter{
		opts: opts,
		bus:  opts.Bus,
		log:  opts.Log.With().Str("component", "hqplayer").Logger(),
	}
}

func (a *Adapter) Prefix() string { return prefix }

func (a *Adapter) Init(ctx context.Context) error {
	if a.opts.Control != nil {
		a.control = a.opts.Control
		a.host = a.opts.Host
		return nil
	}
	if a.opts.Host == "" {
		return errors.New("no host configured (set MUSE_HQPLAYER_HOST)")
	}
	port := a.opts.Port
	if port <= 0 {
		port = defaultPort
	}
	a.host = a.opts.Host
	a.control = NewClient(ClientOptions{
		Host:     a.opts.Host,
		Port:     port,
		Username: a.opts.Username,
		Password: a.opts.Password,
		Log:      a.log,
	})
	return nil
}

// Run probes the engine, then polls every 2s. State transitions and pipeline
// changes become bus events; any poll failure disconnects and returns so the
// supervisor retries with backoff.
func (a *Adapter) Run(ctx context.Context) error {
	st, err := a.control.Status(ctx)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	pl, _ := a.control.PipelineStatus(ctx)

	a.mu.Lock()
	a.state = st.State
	a.pipeline = pl
	a.mu.Unlock()
	a.markConnected(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.markDisconnected("shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.markDisconnected(err.Error())
				return fmt.Errorf("poll: %w", err)
			}
		}
	}
}

func (a *Adapter) tick(ctx context.Context) error {
	st, err := a.control.Status(ctx)
	if err != nil {
		return err
	}
	pl, err := a.control.PipelineStatus(ctx)
	if err != nil {
		return err
	}
	a.applyState(st.State)
	a.applyPipeline(pl)
	return nil
}

func (a *Adapter) applyState(state string) {
	a.mu.Lock()
	changed := a.state != state
	a.state = state
	a.mu.Unlock()
	if changed {
		a.bus.Publish(bus.HqpStateChanged{Host: a.host, State: state})
	}
}

func (a *Adapter) applyPipeline(pl Pipeline) {
	a.mu.Lock()
	changed := !pipelineEqual(a.pipeline, pl)
	a.pipeline = pl
	a.mu.Unlock()
	if changed {
		a.bus.Publish(muse.HqpPipelineChanged{
			Host:   a.host,
			Filter: pl.Filter,
			Shaper: pl.Shaper,
			Rate:   pl.Rate,
		})
	}
}

func pipelineEqual(a, b Pipeline) bool {
	return a.Mode == b.Mode &&
		strPtrEqual(a.Filter, b.Filter) &&
		strPtrEqual(a.Shaper, b.Shaper) &&
		strPtrEqual(a.Rate, b.Rate)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// markConnected also snapshots the profile list so profile queries answer
// from cache.
func (a *Adapter) markConnected(ctx context.Context) {
	a.mu.Lock()
	already := a.connected
	a.connected = true
	a.mu.Unlock()
	if already {
		return
	}

	profiles, err := a.control.Profiles(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("profile list unavailable")
	} else {
		a.mu.Lock()
		a.profiles = profiles
		a.mu.Unlock()
	}

	a.log.Info().Str("host", a.host).Msg("connected")
	host := a.host
	a.bus.Publish(bus.HqpConnected{Host: host})
	a.bus.Publish(muse.AdapterConnected{Adapter: prefix, Details: &host})
}

func (a *Adapter) markDisconnected(reason string) {
	a.mu.Lock()
	was := a.connected
	a.connected = false
	a.mu.Unlock()
	if !was {
		return
	}
	a.log.Info().Str("host", a.host).Str("reason", reason).Msg("disconnected")
	a.bus.Publish(bus.HqpDisconnected{Host: a.host})
	a.bus.Publish(muse.AdapterDisconnected{Adapter: prefix, Reason: &reason})
}

// HandleCommand serves pipeline and profile operations. HQPlayer has no
// zones, so transport actions other than volume_set are rejected.
func (a *Adapter) HandleCommand(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	switch cmd.Action {
	case QueryStatus:
		return adapter.JSONResponse(a.statusPayload())
	case QueryProfiles:
		return adapter.JSONResponse(a.profileList())
	case QueryLoadProfile:
		return a.loadProfile(ctx, cmd)
	case QuerySetPipeline:
		return a.setPipeline(ctx, cmd)
	case adapter.ActionVolumeSet:
		if cmd.Value == nil {
			return adapter.Response{}, fmt.Errorf("volume_set requires a value: %w", adapter.ErrInvalidAction)
		}
		return adapter.Response{}, a.control.SetVolume(ctx, *cmd.Value)
	}
	return adapter.Response{}, fmt.Errorf("%s: %w", cmd.Action, adapter.ErrInvalidAction)
}

func (a *Adapter) profileList() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.profiles))
	copy(out, a.profiles)
	return out
}

func (a *Adapter) loadProfile(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	name := cmd.Args["profile"]
	if name == "" {
		return adapter.Response{}, fmt.Errorf("load_profile requires a profile: %w", adapter.ErrInvalidAction)
	}
	if err := a.control.LoadProfile(ctx, name); err != nil {
		return adapter.Response{}, err
	}
	a.scheduleRefresh()
	return adapter.JSONResponse(map[string]string{"message": "Loaded profile: " + name})
}

func (a *Adapter) setPipeline(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	setting := cmd.Args["setting"]
	value, err := strconv.Atoi(cmd.Args["value"])
	if err != nil {
		return adapter.Response{}, fmt.Errorf("set_pipeline requires an integer value: %w", adapter.ErrInvalidAction)
	}
	if setting != SettingMode && value < 0 {
		return adapter.Response{}, fmt.Errorf("%s must be non-negative: %w", setting, adapter.ErrInvalidAction)
	}

	var set func(context.Context, int) error
	switch setting {
	case SettingMode:
		set = a.control.SetMode
	case SettingRate:
		set = a.control.SetRate
	case SettingFilter1x:
		set = a.control.SetFilter1x
	case SettingFilterNx:
		set = a.control.SetFilterNx
	case SettingShaper:
		set = a.control.SetShaper
	default:
		return adapter.Response{}, fmt.Errorf("unknown setting %q: %w", setting, adapter.ErrInvalidAction)
	}
	if err := set(ctx, value); err != nil {
		return adapter.Response{}, err
	}
	a.scheduleRefresh()
	return adapter.JSONResponse(map[string]string{"message": fmt.Sprintf("Set %s to %d", setting, value)})
}

// scheduleRefresh re-reads the pipeline shortly after a change so the
// resulting event doesn't wait for the next poll.
func (a *Adapter) scheduleRefresh() {
	go func() {
		time.Sleep(refreshDelay)
		ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
		defer cancel()
		pl, err := a.control.PipelineStatus(ctx)
		if err != nil {
			a.log.Debug().Err(err).Msg("post-command refresh failed")
			return
		}
		a.applyPipeline(pl)
	}()
}

// statusPayload is the QueryStatus response shape, mirrored by the status
// endpoint detail.
func (a *Adapter) statusPayload() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]any{
		"connected": a.connected,
		"host":      a.host,
		"pipeline": map[string]any{
			"state":  a.state,
			"filter": a.pipeline.Filter,
			"shaper": a.pipeline.Shaper,
			"rate":   a.pipeline.Rate,
		},
	}
}

// Status implements adapter.StatusReporter for the status endpoint.
func (a *Adapter) Status() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]any{
		"connected":     a.connected,
		"host":          a.host,
		"state":         a.state,
		"filter":        a.pipeline.Filter,
		"shaper":        a.pipeline.Shaper,
		"rate":          a.pipeline.Rate,
		"profile_count": len(a.profiles),
	}
}
