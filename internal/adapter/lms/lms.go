package lms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

const (
	prefix       = "lms"
	pollInterval = 2 * time.Second
	// refreshDelay gives the server a moment to apply a command before the
	// post-command status read.
	refreshDelay = 100 * time.Millisecond
	configFile   = "lms.json"
	defaultPort  = 9000
)

// Query actions dispatched by the MCP layer via Coordinator.Query.
const (
	QuerySearch     = "search"
	QuerySearchPlay = "search_play"
)

type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	// ConfigDir is where the discovered host is persisted (lms.json).
	ConfigDir string
	Bus       *bus.Bus
	Log       zerolog.Logger
}

// Adapter polls an LMS server every 2s and projects its players into zones
// with the "lms:" prefix. It implements adapter.Logic and StatusReporter.
type Adapter struct {
	opts   Options
	bus    *bus.Bus
	log    zerolog.Logger
	client *Client
	host   string
	port   int

	mu        sync.RWMutex
	players   map[string]Player
	connected bool
}

func New(opts Options) *Adapter {
	return &Adapter{
		opts:    opts,
		bus:     opts.Bus,
		log:     opts.Log.With().Str("component", "lms").Logger(),
		players: make(map[string]Player),
	}
}

func (a *Adapter) Prefix() string { return prefix }

// savedConfig is the lms.json shape, carried over from earlier releases so
// existing installs keep their server without re-configuring.
type savedConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Init resolves the server address (explicit config wins, then lms.json) and
// persists it back when it changed.
func (a *Adapter) Init(ctx context.Context) error {
	host, port := a.opts.Host, a.opts.Port
	username, password := a.opts.Username, a.opts.Password

	saved, haveSaved := a.loadSaved()
	if host == "" && haveSaved {
		host = saved.Host
		if port == 0 {
			port = saved.Port
		}
		if username == "" {
			username, password = saved.Username, saved.Password
		}
	}
	if host == "" {
		return errors.New("no host configured (set MUSE_LMS_HOST)")
	}
	if port <= 0 {
		port = defaultPort
	}

	a.host, a.port = host, port
	a.client = NewClient(ClientOptions{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Log:      a.log,
	})

	if !haveSaved || saved.Host != host || saved.Port != port {
		a.persist(savedConfig{Host: host, Port: port, Username: username, Password: password})
	}
	return nil
}

func (a *Adapter) loadSaved() (savedConfig, bool) {
	if a.opts.ConfigDir == "" {
		return savedConfig{}, false
	}
	data, err := os.ReadFile(filepath.Join(a.opts.ConfigDir, configFile))
	if err != nil {
		return savedConfig{}, false
	}
	var saved savedConfig
	if err := json.Unmarshal(data, &saved); err != nil {
		a.log.Warn().Err(err).Msg("ignoring unreadable lms.json")
		return savedConfig{}, false
	}
	return saved, saved.Host != ""
}

func (a *Adapter) persist(cfg savedConfig) {
	if a.opts.ConfigDir == "" {
		return
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(a.opts.ConfigDir, configFile)
	if err := os.MkdirAll(a.opts.ConfigDir, 0o755); err != nil {
		a.log.Warn().Err(err).Msg("cannot create config dir")
		return
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("failed to persist lms host")
		return
	}
	a.log.Debug().Str("host", cfg.Host).Msg("lms host persisted")
}

// Run polls until the context ends or a poll fails. The first successful
// poll marks the backend connected; any failure disconnects and returns so
// the supervisor retries with backoff.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.poll(ctx); err != nil {
		return fmt.Errorf("poll players: %w", err)
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
				return fmt.Errorf("poll players: %w", err)
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
	a.log.Info().Str("host", a.host).Msg("connected")
	host := a.host
	a.bus.Publish(bus.LmsConnected{Host: host})
	a.bus.Publish(muse.AdapterConnected{Adapter: prefix, Details: &host})
}

func (a *Adapter) markDisconnected(reason string) {
	a.mu.Lock()
	was := a.connected
	a.connected = false
	a.players = make(map[string]Player)
	a.mu.Unlock()
	if !was {
		return
	}
	a.log.Info().Str("host", a.host).Str("reason", reason).Msg("disconnected")
	a.bus.Publish(bus.LmsDisconnected{Host: a.host})
	a.bus.Publish(muse.AdapterDisconnected{Adapter: prefix, Reason: &reason})
}

// poll refreshes every player and publishes the implied zone events.
func (a *Adapter) poll(ctx context.Context) error {
	players, err := a.client.Players(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]Player, len(players))
	for _, p := range players {
		st, err := a.client.PlayerStatus(ctx, p.ID)
		if err != nil {
			a.log.Warn().Err(err).Str("player_id", p.ID).Msg("player status failed")
		} else {
			p.Status = st
		}
		fresh[p.ID] = p
	}

	a.mu.Lock()
	prev := a.players
	a.players = fresh
	a.mu.Unlock()

	for id, p := range fresh {
		old, known := prev[id]
		if !known {
			a.log.Debug().Str("player_id", id).Str("name", p.Name).Msg("player discovered")
			a.bus.Publish(muse.ZoneDiscovered{Zone: a.zone(p)})
			continue
		}
		a.publishDiff(old, p)
	}
	for id := range prev {
		if _, ok := fresh[id]; !ok {
			a.log.Debug().Str("player_id", id).Msg("player removed")
			a.bus.Publish(muse.ZoneRemoved{ZoneID: ZoneID(id)})
		}
	}
	return nil
}

// publishDiff emits the events implied by old → p for one known player.
func (a *Adapter) publishDiff(old, p Player) {
	if old.Mode != p.Mode || old.Name != p.Name {
		a.bus.Publish(muse.ZoneUpdated{ZoneState: muse.ZoneState{
			ZoneID:      ZoneID(p.ID),
			DisplayName: p.Name,
			State:       muse.ParsePlaybackState(p.Mode),
		}})
	}
	if old.Mode != p.Mode {
		a.bus.Publish(bus.LmsPlayerStateChanged{
			PlayerID: p.ID,
			State:    muse.ParsePlaybackState(p.Mode),
		})
	}
	if old.Title != p.Title || old.Artist != p.Artist || old.Album != p.Album {
		a.bus.Publish(muse.NowPlayingChanged{ZoneID: ZoneID(p.ID), NowPlaying: nowPlaying(p)})
	}
	if old.Volume != p.Volume {
		a.bus.Publish(muse.VolumeChanged{
			OutputID: p.ID,
			Value:    float32(math.Abs(p.Volume)),
			IsMuted:  p.Volume < 0,
		})
	}
}

// ZoneID maps an LMS player id to its bridge zone id.
func ZoneID(playerID string) string { return prefix + ":" + playerID }

func (a *Adapter) zone(p Player) muse.Zone {
	outputID := p.ID
	return muse.Zone{
		ZoneID:   ZoneID(p.ID),
		ZoneName: p.Name,
		State:    muse.ParsePlaybackState(p.Mode),
		VolumeControl: &muse.VolumeControl{
			Value:    float32(math.Abs(p.Volume)),
			Min:      0,
			Max:      100,
			Step:     1,
			IsMuted:  p.Volume < 0,
			Scale:    muse.ScalePercentage,
			OutputID: &outputID,
		},
		NowPlaying:        nowPlaying(p),
		Source:            prefix,
		IsControllable:    p.Power && p.Connected,
		IsSeekable:        true,
		IsPlayAllowed:     true,
		IsPauseAllowed:    true,
		IsNextAllowed:     true,
		IsPreviousAllowed: true,
	}
}

func nowPlaying(p Player) *muse.NowPlaying {
	if p.Title == "" {
		return nil
	}
	seek, dur := p.Time, p.Duration
	np := &muse.NowPlaying{
		Title:        p.Title,
		Artist:       p.Artist,
		Album:        p.Album,
		SeekPosition: &seek,
		Duration:     &dur,
	}
	if p.Artwork != "" {
		art := p.Artwork
		np.ImageKey = &art
	}
	return np
}

// HandleCommand executes transport controls and the query actions used by
// tool consumers. After a transport command the player's status is re-read
// shortly after so the resulting events reflect the change without waiting
// for the next poll.
func (a *Adapter) HandleCommand(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	switch cmd.Action {
	case QuerySearch:
		return a.search(ctx, cmd)
	case QuerySearchPlay:
		return a.searchPlay(ctx, cmd)
	}

	params, err := controlParams(cmd)
	if err != nil {
		return adapter.Response{}, err
	}
	playerID := strings.TrimPrefix(cmd.ZoneID, prefix+":")
	if err := a.client.Exec(ctx, playerID, params); err != nil {
		return adapter.Response{}, err
	}
	a.scheduleRefresh(playerID)
	return adapter.Response{}, nil
}

func controlParams(cmd adapter.Command) ([]any, error) {
	switch cmd.Action {
	case adapter.ActionPlay:
		return []any{"play"}, nil
	case adapter.ActionPause:
		return []any{"pause", "1"}, nil
	case adapter.ActionPlayPause:
		return []any{"pause"}, nil
	case adapter.ActionStop:
		return []any{"stop"}, nil
	case adapter.ActionNext:
		return []any{"playlist", "index", "+1"}, nil
	case adapter.ActionPrevious:
		return []any{"playlist", "index", "-1"}, nil
	case adapter.ActionVolumeSet:
		if cmd.Value == nil {
			return nil, fmt.Errorf("volume_set requires a value: %w", adapter.ErrInvalidAction)
		}
		return []any{"mixer", "volume", int(*cmd.Value)}, nil
	case adapter.ActionVolumeRel:
		if cmd.Value == nil {
			return nil, fmt.Errorf("volume_rel requires a value: %w", adapter.ErrInvalidAction)
		}
		delta := strconv.Itoa(int(*cmd.Value))
		if *cmd.Value > 0 {
			delta = "+" + delta
		}
		return []any{"mixer", "volume", delta}, nil
	case adapter.ActionMute:
		return []any{"mixer", "muting", 1}, nil
	case adapter.ActionUnmute:
		return []any{"mixer", "muting", 0}, nil
	}
	return nil, fmt.Errorf("%s: %w", cmd.Action, adapter.ErrInvalidAction)
}

func (a *Adapter) search(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	query := cmd.Args["query"]
	if query == "" {
		return adapter.Response{}, fmt.Errorf("search requires a query: %w", adapter.ErrInvalidAction)
	}
	limit := 10
	if s := cmd.Args["limit"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	results, err := a.client.Search(ctx, query, limit)
	if err != nil {
		return adapter.Response{}, err
	}
	return adapter.JSONResponse(results)
}

type playResult struct {
	Message string `json:"message"`
}

func (a *Adapter) searchPlay(ctx context.Context, cmd adapter.Command) (adapter.Response, error) {
	query := cmd.Args["query"]
	if query == "" {
		return adapter.Response{}, fmt.Errorf("play requires a query: %w", adapter.ErrInvalidAction)
	}
	playerID := strings.TrimPrefix(cmd.ZoneID, prefix+":")
	if playerID == "" {
		return adapter.Response{}, fmt.Errorf("play requires a zone: %w", adapter.ErrInvalidAction)
	}

	playlistCmd, verb := "loadtracks", "Playing"
	if cmd.Args["mode"] == "queue" {
		playlistCmd, verb = "addtracks", "Queued"
	}
	if err := a.client.Exec(ctx, playerID, []any{"playlist", playlistCmd, "track.titlesearch=" + query}); err != nil {
		return adapter.Response{}, err
	}
	a.scheduleRefresh(playerID)
	return adapter.JSONResponse(playResult{Message: fmt.Sprintf("%s tracks matching %q", verb, query)})
}

// scheduleRefresh re-reads one player shortly after a command and publishes
// whatever changed.
func (a *Adapter) scheduleRefresh(playerID string) {
	go func() {
		time.Sleep(refreshDelay)
		ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
		defer cancel()

		st, err := a.client.PlayerStatus(ctx, playerID)
		if err != nil {
			a.log.Debug().Err(err).Str("player_id", playerID).Msg("post-command refresh failed")
			return
		}

		a.mu.Lock()
		old, known := a.players[playerID]
		var updated Player
		if known {
			updated = old
			updated.Status = st
			a.players[playerID] = updated
		}
		a.mu.Unlock()

		if known {
			a.publishDiff(old, updated)
		}
	}()
}

// Status implements adapter.StatusReporter for the status endpoint.
func (a *Adapter) Status() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	players := make([]map[string]any, 0, len(a.players))
	for _, p := range a.players {
		players = append(players, map[string]any{
			"playerid":  p.ID,
			"name":      p.Name,
			"state":     string(muse.ParsePlaybackState(p.Mode)),
			"connected": p.Connected,
		})
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i]["playerid"].(string) < players[j]["playerid"].(string)
	})

	return map[string]any{
		"connected":    a.connected,
		"host":         a.host,
		"port":         a.port,
		"player_count": len(a.players),
		"players":      players,
	}
}
