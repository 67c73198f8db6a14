package lms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

func newTestAdapter(t *testing.T, fake *fakeLMS) (*Adapter, *bus.Bus) {
	t.Helper()
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	b := bus.New(64, zerolog.Nop())
	a := New(Options{Host: "placeholder", ConfigDir: t.TempDir(), Bus: b, Log: zerolog.Nop()})
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	a.client.base = ts.URL
	return a, b
}

// drainEvents empties the subscription buffer. Publish delivers synchronously
// into the buffered channel, so everything published before the call is here.
func drainEvents(sub *bus.Subscription) []bus.Event {
	var out []bus.Event
	for {
		select {
		case e := <-sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestAdapter_PollDiscoversPlayers(t *testing.T) {
	a, b := newTestAdapter(t, twoPlayers())
	sub := b.Subscribe()
	defer sub.Close()

	if err := a.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	zones := make(map[string]muse.Zone)
	for _, e := range drainEvents(sub) {
		d, ok := e.(muse.ZoneDiscovered)
		if !ok {
			t.Fatalf("unexpected event %T during discovery", e)
		}
		zones[d.Zone.ZoneID] = d.Zone
	}
	if len(zones) != 2 {
		t.Fatalf("discovered %d zones, want 2", len(zones))
	}

	z, ok := zones["lms:aa:bb"]
	if !ok {
		t.Fatal("missing zone lms:aa:bb")
	}
	if z.ZoneName != "Kitchen" || z.Source != "lms" || z.State != muse.StatePlaying {
		t.Errorf("zone = %+v", z)
	}
	if !z.IsControllable {
		t.Error("powered-on player should be controllable")
	}
	vc := z.VolumeControl
	if vc == nil {
		t.Fatal("missing volume control")
	}
	if !vc.IsMuted || vc.Value != 40 {
		t.Errorf("volume = %+v, want muted at 40 (mixer volume -40)", vc)
	}
	if vc.Scale != muse.ScalePercentage || vc.Max != 100 {
		t.Errorf("volume scale = %+v", vc)
	}
	if vc.OutputID == nil || *vc.OutputID != "aa:bb" {
		t.Errorf("output id = %v", vc.OutputID)
	}
	np := z.NowPlaying
	if np == nil || np.Title != "So What" || np.Artist != "Miles Davis" {
		t.Errorf("now playing = %+v", np)
	}
	if np.Duration == nil || *np.Duration != 545.3 {
		t.Errorf("duration = %v", np.Duration)
	}

	if off := zones["lms:cc:dd"]; off.IsControllable {
		t.Error("powered-off player should not be controllable")
	}
}

func TestAdapter_PollPublishesDiffs(t *testing.T) {
	fake := twoPlayers()
	a, b := newTestAdapter(t, fake)
	if err := a.poll(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	sub := b.Subscribe()
	defer sub.Close()

	fake.mu.Lock()
	st := fake.statuses["aa:bb"]
	st["mode"] = "pause"
	st["mixer volume"] = 25
	st["playlist_loop"] = []map[string]any{{"title": "Blue in Green", "artist": "Miles Davis", "album": "Kind of Blue"}}
	fake.players = fake.players[:1] // cc:dd gone
	fake.mu.Unlock()

	if err := a.poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	var (
		updated    *muse.ZoneUpdated
		stateEvt   *bus.LmsPlayerStateChanged
		nowPlaying *muse.NowPlayingChanged
		volume     *muse.VolumeChanged
		removed    *muse.ZoneRemoved
	)
	for _, e := range drainEvents(sub) {
		switch e := e.(type) {
		case muse.ZoneUpdated:
			updated = &e
		case bus.LmsPlayerStateChanged:
			stateEvt = &e
		case muse.NowPlayingChanged:
			nowPlaying = &e
		case muse.VolumeChanged:
			volume = &e
		case muse.ZoneRemoved:
			removed = &e
		default:
			t.Errorf("unexpected event %T", e)
		}
	}

	if updated == nil || updated.ZoneID != "lms:aa:bb" || updated.State != muse.StatePaused {
		t.Errorf("zone update = %+v", updated)
	}
	if stateEvt == nil || stateEvt.PlayerID != "aa:bb" || stateEvt.State != muse.StatePaused {
		t.Errorf("player state change = %+v", stateEvt)
	}
	if nowPlaying == nil || nowPlaying.NowPlaying == nil || nowPlaying.NowPlaying.Title != "Blue in Green" {
		t.Errorf("now playing change = %+v", nowPlaying)
	}
	if volume == nil || volume.OutputID != "aa:bb" || volume.Value != 25 || volume.IsMuted {
		t.Errorf("volume change = %+v", volume)
	}
	if removed == nil || removed.ZoneID != "lms:cc:dd" {
		t.Errorf("removal = %+v", removed)
	}
}

func TestAdapter_ConnectionEvents(t *testing.T) {
	fake := twoPlayers()
	a, b := newTestAdapter(t, fake)
	sub := b.Subscribe()
	defer sub.Close()

	a.markConnected()
	a.markConnected() // second call is a no-op

	events := drainEvents(sub)
	if len(events) != 2 {
		t.Fatalf("got %d events after connect, want 2", len(events))
	}
	if lc, ok := events[0].(bus.LmsConnected); !ok || lc.Host == "" {
		t.Errorf("events[0] = %#v", events[0])
	}
	ac, ok := events[1].(muse.AdapterConnected)
	if !ok || ac.Adapter != "lms" || ac.Details == nil {
		t.Errorf("events[1] = %#v", events[1])
	}

	if err := a.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	drainEvents(sub)

	a.markDisconnected("server went away")
	a.markDisconnected("again") // no-op

	events = drainEvents(sub)
	if len(events) != 2 {
		t.Fatalf("got %d events after disconnect, want 2", len(events))
	}
	ad, ok := events[1].(muse.AdapterDisconnected)
	if !ok || ad.Adapter != "lms" || ad.Reason == nil || *ad.Reason != "server went away" {
		t.Errorf("events[1] = %#v", events[1])
	}

	// Disconnect drops the player cache so a reconnect rediscovers zones.
	if st := a.Status(); st["player_count"] != 0 {
		t.Errorf("player_count after disconnect = %v, want 0", st["player_count"])
	}
}

func TestAdapter_RunFailsWhenUnreachable(t *testing.T) {
	fake := twoPlayers()
	fake.setFail(true)
	a, _ := newTestAdapter(t, fake)

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run should fail when the server is unreachable")
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestAdapter_HandleCommand(t *testing.T) {
	fake := twoPlayers()
	a, _ := newTestAdapter(t, fake)
	ctx := context.Background()

	tests := []struct {
		name   string
		action string
		value  *float64
		want   string
	}{
		{"play", adapter.ActionPlay, nil, `["play"]`},
		{"pause", adapter.ActionPause, nil, `["pause","1"]`},
		{"play_pause", adapter.ActionPlayPause, nil, `["pause"]`},
		{"stop", adapter.ActionStop, nil, `["stop"]`},
		{"next", adapter.ActionNext, nil, `["playlist","index","+1"]`},
		{"previous", adapter.ActionPrevious, nil, `["playlist","index","-1"]`},
		{"volume_set", adapter.ActionVolumeSet, floatPtr(35), `["mixer","volume",35]`},
		{"volume_up", adapter.ActionVolumeRel, floatPtr(3), `["mixer","volume","+3"]`},
		{"volume_down", adapter.ActionVolumeRel, floatPtr(-2), `["mixer","volume","-2"]`},
		{"mute", adapter.ActionMute, nil, `["mixer","muting",1]`},
		{"unmute", adapter.ActionUnmute, nil, `["mixer","muting",0]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := adapter.Command{ZoneID: "lms:aa:bb", Action: tt.action, Value: tt.value}
			if _, err := a.HandleCommand(ctx, cmd); err != nil {
				t.Fatalf("HandleCommand(%s): %v", tt.action, err)
			}
			player, got := fake.lastCommand()
			if player != "aa:bb" {
				t.Errorf("player = %q, want aa:bb", player)
			}
			if got != tt.want {
				t.Errorf("sent %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAdapter_HandleCommand_Invalid(t *testing.T) {
	a, _ := newTestAdapter(t, twoPlayers())
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  adapter.Command
	}{
		{"unknown_action", adapter.Command{ZoneID: "lms:aa:bb", Action: "warp"}},
		{"volume_set_without_value", adapter.Command{ZoneID: "lms:aa:bb", Action: adapter.ActionVolumeSet}},
		{"volume_rel_without_value", adapter.Command{ZoneID: "lms:aa:bb", Action: adapter.ActionVolumeRel}},
		{"search_without_query", adapter.Command{Action: QuerySearch}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.HandleCommand(ctx, tt.cmd)
			if !errors.Is(err, adapter.ErrInvalidAction) {
				t.Errorf("err = %v, want ErrInvalidAction", err)
			}
		})
	}
}

func TestAdapter_Search(t *testing.T) {
	fake := twoPlayers()
	fake.search = map[string]any{
		"tracks_loop": []map[string]any{{"track": "So What"}},
		"albums_loop": []map[string]any{{"album": "Kind of Blue"}},
	}
	a, _ := newTestAdapter(t, fake)

	resp, err := a.HandleCommand(context.Background(), adapter.Command{
		Action: QuerySearch,
		Args:   map[string]string{"query": "miles", "limit": "5"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	var results []SearchResult
	if err := json.Unmarshal(resp.Payload, &results); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(results) != 2 || results[0].Title != "So What" {
		t.Errorf("results = %+v", results)
	}

	if _, cmd := fake.lastRequest(); cmd != `["search",0,5,"term:miles"]` {
		t.Errorf("request cmd = %s", cmd)
	}
}

func TestAdapter_SearchPlay(t *testing.T) {
	fake := twoPlayers()
	a, _ := newTestAdapter(t, fake)
	ctx := context.Background()

	t.Run("play_replaces_queue", func(t *testing.T) {
		resp, err := a.HandleCommand(ctx, adapter.Command{
			ZoneID: "lms:aa:bb",
			Action: QuerySearchPlay,
			Args:   map[string]string{"query": "kind of blue"},
		})
		if err != nil {
			t.Fatalf("search_play: %v", err)
		}
		if _, cmd := fake.lastCommand(); cmd != `["playlist","loadtracks","track.titlesearch=kind of blue"]` {
			t.Errorf("sent %s", cmd)
		}
		var result playResult
		if err := json.Unmarshal(resp.Payload, &result); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if want := `Playing tracks matching "kind of blue"`; result.Message != want {
			t.Errorf("message = %q, want %q", result.Message, want)
		}
	})

	t.Run("queue_mode_appends", func(t *testing.T) {
		resp, err := a.HandleCommand(ctx, adapter.Command{
			ZoneID: "lms:aa:bb",
			Action: QuerySearchPlay,
			Args:   map[string]string{"query": "so what", "mode": "queue"},
		})
		if err != nil {
			t.Fatalf("search_play queue: %v", err)
		}
		if _, cmd := fake.lastCommand(); cmd != `["playlist","addtracks","track.titlesearch=so what"]` {
			t.Errorf("sent %s", cmd)
		}
		var result playResult
		if err := json.Unmarshal(resp.Payload, &result); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if want := `Queued tracks matching "so what"`; result.Message != want {
			t.Errorf("message = %q, want %q", result.Message, want)
		}
	})

	t.Run("requires_zone", func(t *testing.T) {
		_, err := a.HandleCommand(ctx, adapter.Command{
			Action: QuerySearchPlay,
			Args:   map[string]string{"query": "anything"},
		})
		if !errors.Is(err, adapter.ErrInvalidAction) {
			t.Errorf("err = %v, want ErrInvalidAction", err)
		}
	})
}

func TestAdapter_InitPersistsHost(t *testing.T) {
	dir := t.TempDir()
	b := bus.New(8, zerolog.Nop())

	first := New(Options{Host: "10.0.0.9", Port: 9002, ConfigDir: dir, Bus: b, Log: zerolog.Nop()})
	if err := first.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "lms.json"))
	if err != nil {
		t.Fatalf("read lms.json: %v", err)
	}
	var saved savedConfig
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("parse lms.json: %v", err)
	}
	if saved.Host != "10.0.0.9" || saved.Port != 9002 {
		t.Errorf("saved = %+v", saved)
	}

	// A later start without explicit config picks up the persisted server.
	second := New(Options{ConfigDir: dir, Bus: b, Log: zerolog.Nop()})
	if err := second.Init(context.Background()); err != nil {
		t.Fatalf("Init from saved config: %v", err)
	}
	if second.host != "10.0.0.9" || second.port != 9002 {
		t.Errorf("loaded host = %s:%d", second.host, second.port)
	}

	third := New(Options{ConfigDir: t.TempDir(), Bus: b, Log: zerolog.Nop()})
	if err := third.Init(context.Background()); err == nil {
		t.Error("Init with no host anywhere should fail")
	}
}

func TestAdapter_Status(t *testing.T) {
	a, _ := newTestAdapter(t, twoPlayers())
	if err := a.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	a.markConnected()

	st := a.Status()
	if st["connected"] != true {
		t.Error("not marked connected")
	}
	if st["player_count"] != 2 {
		t.Errorf("player_count = %v", st["player_count"])
	}
	players, ok := st["players"].([]map[string]any)
	if !ok || len(players) != 2 {
		t.Fatalf("players = %#v", st["players"])
	}
	if players[0]["playerid"] != "aa:bb" || players[0]["state"] != "playing" {
		t.Errorf("players[0] = %v", players[0])
	}
}
