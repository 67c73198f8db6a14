package openhome

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

const (
	transportService = "urn:av-openhome-org:service:Transport:1"
	infoService      = "urn:av-openhome-org:service:Info:1"
	timeService      = "urn:av-openhome-org:service:Time:1"
	volumeService    = "urn:av-openhome-org:service:Volume:1"
)

const didlSoWhat = `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/"><item id="1" parentID="0" restricted="1"><dc:title>So What</dc:title><dc:creator>Miles Davis</dc:creator><upnp:album>Kind of Blue</upnp:album><upnp:albumArtURI>http://art/1.jpg</upnp:albumArtURI></item></DIDL-Lite>`

const didlBlueInGreen = `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/"><item id="2" parentID="0" restricted="1"><dc:title>Blue in Green</dc:title><dc:creator>Miles Davis</dc:creator><upnp:album>Kind of Blue</upnp:album></item></DIDL-Lite>`

type rendererCall struct {
	action string
	body   string
}

// fakeRenderer is an in-process OpenHome device: a description document plus
// Transport, Info, Time, and (optionally) Volume endpoints dispatching on
// SOAPACTION.
type fakeRenderer struct {
	mu        sync.Mutex
	state     string
	stateElem string
	volume    int
	volumeMax int
	hasVolume bool
	muted     bool
	metadata  string
	duration  int
	seconds   int
	streamID  string
	fail      bool
	calls     []rendererCall
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		state:     "Playing",
		stateElem: "State",
		volume:    40,
		volumeMax: 100,
		hasVolume: true,
		metadata:  didlSoWhat,
		duration:  542,
		seconds:   134,
		streamID:  "7",
	}
}

func (f *fakeRenderer) set(fn func(*fakeRenderer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRenderer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRenderer) findCall(from int, action string) (rendererCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := from; i < len(f.calls); i++ {
		if f.calls[i].action == action {
			return f.calls[i], true
		}
	}
	return rendererCall{}, false
}

func (f *fakeRenderer) description() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><root xmlns="urn:schemas-upnp-org:device-1-0"><device>`)
	b.WriteString(`<deviceType>urn:av-openhome-org:device:Source:1</deviceType>`)
	b.WriteString(`<friendlyName>Study Amp</friendlyName><serviceList>`)
	services := []struct{ svc, path string }{
		{transportService, "/ctl/transport"},
		{infoService, "/ctl/info"},
		{timeService, "/ctl/time"},
	}
	if f.hasVolume {
		services = append(services, struct{ svc, path string }{volumeService, "/ctl/volume"})
	}
	for _, s := range services {
		fmt.Fprintf(&b, `<service><serviceType>%s</serviceType><controlURL>%s</controlURL></service>`, s.svc, s.path)
	}
	b.WriteString(`</serviceList></device></root>`)
	return b.String()
}

func (f *fakeRenderer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/description.xml", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.fail
		desc := f.description()
		f.mu.Unlock()
		if fail {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, desc)
	})
	mux.HandleFunc("/ctl/transport", f.control(transportService))
	mux.HandleFunc("/ctl/info", f.control(infoService))
	mux.HandleFunc("/ctl/time", f.control(timeService))
	mux.HandleFunc("/ctl/volume", f.control(volumeService))
	return mux
}

func (f *fakeRenderer) control(svc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		action := soapActionName(r.Header.Get("SOAPACTION"))

		f.mu.Lock()
		f.calls = append(f.calls, rendererCall{action: action, body: string(body)})
		fail := f.fail
		state, stateElem := f.state, f.stateElem
		vol, volMax, muted := f.volume, f.volumeMax, f.muted
		metadata := f.metadata
		duration, seconds := f.duration, f.seconds
		streamID := f.streamID
		f.mu.Unlock()

		if fail {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		switch action {
		case "TransportState":
			io.WriteString(w, envelope(action, svc, stateElem, state))
		case "Track":
			io.WriteString(w, envelope(action, svc,
				"Uri", "http://example.net/track.flac",
				"Metadata", metadata))
		case "Time":
			io.WriteString(w, envelope(action, svc,
				"TrackCount", "1",
				"Duration", strconv.Itoa(duration),
				"Seconds", strconv.Itoa(seconds)))
		case "Characteristics":
			io.WriteString(w, envelope(action, svc,
				"VolumeMax", strconv.Itoa(volMax),
				"VolumeUnity", "80",
				"VolumeSteps", strconv.Itoa(volMax)))
		case "Volume":
			io.WriteString(w, envelope(action, svc, "Value", strconv.Itoa(vol)))
		case "Mute":
			m := "0"
			if muted {
				m = "1"
			}
			io.WriteString(w, envelope(action, svc, "Value", m))
		case "StreamInfo":
			io.WriteString(w, envelope(action, svc,
				"StreamId", streamID,
				"CanSeek", "1",
				"CanPause", "1"))
		default:
			io.WriteString(w, envelope(action, svc))
		}
	}
}

func soapActionName(header string) string {
	header = strings.Trim(header, `"`)
	if i := strings.LastIndex(header, "#"); i >= 0 {
		return header[i+1:]
	}
	return header
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;")

func envelope(action, svc string, kv ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>`)
	fmt.Fprintf(&b, `<u:%sResponse xmlns:u="%s">`, action, svc)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "<%s>%s</%s>", kv[i], xmlEscaper.Replace(kv[i+1]), kv[i])
	}
	fmt.Fprintf(&b, `</u:%sResponse>`, action)
	b.WriteString(`</s:Body></s:Envelope>`)
	return b.String()
}

type testEnv struct {
	a   *Adapter
	f   *fakeRenderer
	sub *bus.Subscription
}

func newTestAdapter(t *testing.T, f *fakeRenderer) *testEnv {
	t.Helper()
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)

	b := bus.New(64, zerolog.Nop())
	sub := b.Subscribe()
	t.Cleanup(sub.Close)

	a := New(Options{
		Renderers: []string{"Study Amp=" + ts.URL + "/description.xml"},
		Bus:       b,
		Log:       zerolog.Nop(),
	})
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return &testEnv{a: a, f: f, sub: sub}
}

func (e *testEnv) poll(t *testing.T) []bus.Event {
	t.Helper()
	if err := e.a.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	return drainEvents(e.sub)
}

func drainEvents(sub *bus.Subscription) []bus.Event {
	var out []bus.Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAdapter_Init(t *testing.T) {
	a := New(Options{Bus: bus.New(8, zerolog.Nop()), Log: zerolog.Nop()})
	err := a.Init(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no renderers configured") {
		t.Fatalf("err = %v, want no renderers configured", err)
	}
}

func TestAdapter_PollDiscoversZone(t *testing.T) {
	env := newTestAdapter(t, newFakeRenderer())

	events := env.poll(t)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	disc, ok := events[0].(muse.ZoneDiscovered)
	if !ok {
		t.Fatalf("event = %T, want ZoneDiscovered", events[0])
	}

	z := disc.Zone
	if z.ZoneID != "openhome:study-amp" || z.ZoneName != "Study Amp" || z.Source != "openhome" {
		t.Errorf("zone identity = %q/%q/%q", z.ZoneID, z.ZoneName, z.Source)
	}
	if z.State != muse.StatePlaying {
		t.Errorf("state = %q, want playing", z.State)
	}
	if z.VolumeControl == nil {
		t.Fatal("no volume control")
	}
	vc := z.VolumeControl
	if vc.Value != 40 || vc.Max != 100 || vc.Scale != muse.ScalePercentage {
		t.Errorf("volume = %+v", vc)
	}
	np := z.NowPlaying
	if np == nil {
		t.Fatal("no now playing")
	}
	if np.Title != "So What" || np.Artist != "Miles Davis" || np.Album != "Kind of Blue" {
		t.Errorf("track = %q/%q/%q", np.Title, np.Artist, np.Album)
	}
	if np.SeekPosition == nil || *np.SeekPosition != 134 {
		t.Errorf("seek = %v, want 134", np.SeekPosition)
	}
	if np.Duration == nil || *np.Duration != 542 {
		t.Errorf("duration = %v, want 542", np.Duration)
	}
	if np.ImageKey == nil || *np.ImageKey != "http://art/1.jpg" {
		t.Errorf("image key = %v", np.ImageKey)
	}
}

func TestAdapter_FixedVolumeRenderer(t *testing.T) {
	f := newFakeRenderer()
	f.set(func(f *fakeRenderer) { f.hasVolume = false })
	env := newTestAdapter(t, f)

	events := env.poll(t)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	disc := events[0].(muse.ZoneDiscovered)
	if disc.Zone.VolumeControl != nil {
		t.Errorf("volume control = %+v, want nil", disc.Zone.VolumeControl)
	}
	if _, ok := env.f.findCall(0, "Characteristics"); ok {
		t.Error("Characteristics should not be queried without a Volume service")
	}

	v := 35.0
	if _, err := env.a.HandleCommand(context.Background(), adapter.NewCommand("openhome:study-amp", adapter.ActionVolumeSet, &v)); !errors.Is(err, adapter.ErrInvalidAction) {
		t.Errorf("volume_set err = %v, want ErrInvalidAction", err)
	}
	if _, err := env.a.HandleCommand(context.Background(), adapter.NewCommand("openhome:study-amp", adapter.ActionMute, nil)); !errors.Is(err, adapter.ErrInvalidAction) {
		t.Errorf("mute err = %v, want ErrInvalidAction", err)
	}
}

func TestAdapter_VolumeMax(t *testing.T) {
	f := newFakeRenderer()
	f.set(func(f *fakeRenderer) { f.volumeMax = 80 })
	env := newTestAdapter(t, f)

	events := env.poll(t)
	disc := events[0].(muse.ZoneDiscovered)
	vc := disc.Zone.VolumeControl
	if vc == nil || vc.Max != 80 || vc.Scale != muse.ScaleLinear {
		t.Fatalf("volume control = %+v, want max 80 linear", vc)
	}

	start := env.f.callCount()
	v := 90.0
	if _, err := env.a.HandleCommand(context.Background(), adapter.NewCommand("openhome:study-amp", adapter.ActionVolumeSet, &v)); err != nil {
		t.Fatalf("command: %v", err)
	}
	call, ok := env.f.findCall(start, "SetVolume")
	if !ok {
		t.Fatal("no SetVolume call recorded")
	}
	if !strings.Contains(call.body, "<Value>80</Value>") {
		t.Errorf("body = %s, want clamped to 80", call.body)
	}
}

func TestAdapter_PollDiffs(t *testing.T) {
	env := newTestAdapter(t, newFakeRenderer())
	env.poll(t) // discovery

	t.Run("state_change", func(t *testing.T) {
		env.f.set(func(f *fakeRenderer) { f.state = "Paused" })
		events := env.poll(t)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1: %v", len(events), events)
		}
		upd, ok := events[0].(muse.ZoneUpdated)
		if !ok || upd.ZoneState.State != muse.StatePaused {
			t.Fatalf("event = %#v, want ZoneUpdated paused", events[0])
		}
	})

	t.Run("state_value_element_fallback", func(t *testing.T) {
		env.f.set(func(f *fakeRenderer) {
			f.stateElem = "Value"
			f.state = "Buffering"
		})
		events := env.poll(t)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1: %v", len(events), events)
		}
		upd, ok := events[0].(muse.ZoneUpdated)
		if !ok || upd.ZoneState.State != muse.StateBuffering {
			t.Fatalf("event = %#v, want ZoneUpdated buffering", events[0])
		}
	})

	t.Run("seek_tick", func(t *testing.T) {
		env.f.set(func(f *fakeRenderer) { f.seconds = 135 })
		events := env.poll(t)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1: %v", len(events), events)
		}
		seek, ok := events[0].(muse.SeekPositionChanged)
		if !ok || seek.Position != 135000 {
			t.Fatalf("event = %#v, want SeekPositionChanged 135000", events[0])
		}
	})

	t.Run("track_change_suppresses_seek_tick", func(t *testing.T) {
		env.f.set(func(f *fakeRenderer) {
			f.metadata = didlBlueInGreen
			f.seconds = 1
		})
		events := env.poll(t)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1: %v", len(events), events)
		}
		np, ok := events[0].(muse.NowPlayingChanged)
		if !ok || np.NowPlaying == nil || np.NowPlaying.Title != "Blue in Green" {
			t.Fatalf("event = %#v, want NowPlayingChanged Blue in Green", events[0])
		}
	})

	t.Run("volume_change", func(t *testing.T) {
		env.f.set(func(f *fakeRenderer) { f.volume = 38 })
		events := env.poll(t)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1: %v", len(events), events)
		}
		vol, ok := events[0].(muse.VolumeChanged)
		if !ok || vol.OutputID != "study-amp" || vol.Value != 38 || vol.IsMuted {
			t.Fatalf("event = %#v, want VolumeChanged 38", events[0])
		}
	})

	t.Run("mute_change", func(t *testing.T) {
		env.f.set(func(f *fakeRenderer) { f.muted = true })
		events := env.poll(t)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1: %v", len(events), events)
		}
		vol, ok := events[0].(muse.VolumeChanged)
		if !ok || !vol.IsMuted {
			t.Fatalf("event = %#v, want muted VolumeChanged", events[0])
		}
	})

	t.Run("no_change_no_events", func(t *testing.T) {
		if events := env.poll(t); len(events) != 0 {
			t.Fatalf("got %d events, want 0: %v", len(events), events)
		}
	})
}

func TestAdapter_Outage(t *testing.T) {
	env := newTestAdapter(t, newFakeRenderer())
	env.poll(t)

	env.f.set(func(f *fakeRenderer) { f.fail = true })
	err := env.a.poll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "all renderers unreachable") {
		t.Fatalf("err = %v, want all renderers unreachable", err)
	}
	events := drainEvents(env.sub)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	if rem, ok := events[0].(muse.ZoneRemoved); !ok || rem.ZoneID != "openhome:study-amp" {
		t.Fatalf("event = %#v, want ZoneRemoved", events[0])
	}

	env.f.set(func(f *fakeRenderer) { f.fail = false })
	events = env.poll(t)
	if len(events) != 1 {
		t.Fatalf("got %d events after recovery, want 1: %v", len(events), events)
	}
	if disc, ok := events[0].(muse.ZoneDiscovered); !ok || disc.Zone.ZoneID != "openhome:study-amp" {
		t.Fatalf("event = %#v, want ZoneDiscovered", events[0])
	}
}

func TestAdapter_Run(t *testing.T) {
	env := newTestAdapter(t, newFakeRenderer())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- env.a.Run(ctx) }()

	waitFor(t, func() bool {
		return env.a.Status()["connected"] == true
	}, "adapter never connected")

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	var disconnected bool
	for _, ev := range drainEvents(env.sub) {
		if e, ok := ev.(muse.AdapterDisconnected); ok {
			disconnected = e.Adapter == "openhome" && e.Reason != nil && *e.Reason == "shutting down"
		}
	}
	if !disconnected {
		t.Error("no shutdown AdapterDisconnected event")
	}
}

func TestAdapter_HandleCommand(t *testing.T) {
	env := newTestAdapter(t, newFakeRenderer())
	env.poll(t)
	const zoneID = "openhome:study-amp"

	ctx := context.Background()

	controls := []struct {
		name       string
		action     string
		wantAction string
		wantBody   string
	}{
		{"play", adapter.ActionPlay, "Play", ""},
		{"pause", adapter.ActionPause, "Pause", ""},
		{"stop", adapter.ActionStop, "Stop", ""},
		{"next", adapter.ActionNext, "SkipNext", ""},
		{"previous", adapter.ActionPrevious, "SkipPrevious", ""},
		{"mute", adapter.ActionMute, "SetMute", "<Value>1</Value>"},
		{"unmute", adapter.ActionUnmute, "SetMute", "<Value>0</Value>"},
	}
	for _, tc := range controls {
		t.Run(tc.name, func(t *testing.T) {
			start := env.f.callCount()
			if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, tc.action, nil)); err != nil {
				t.Fatalf("command: %v", err)
			}
			call, ok := env.f.findCall(start, tc.wantAction)
			if !ok {
				t.Fatalf("no %s call recorded", tc.wantAction)
			}
			if tc.wantBody != "" && !strings.Contains(call.body, tc.wantBody) {
				t.Errorf("body = %s, want containing %q", call.body, tc.wantBody)
			}
		})
	}

	t.Run("play_pause_toggles_by_state", func(t *testing.T) {
		start := env.f.callCount()
		if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, adapter.ActionPlayPause, nil)); err != nil {
			t.Fatalf("command: %v", err)
		}
		if _, ok := env.f.findCall(start, "Pause"); !ok {
			t.Fatal("play_pause while playing should Pause")
		}

		env.f.set(func(f *fakeRenderer) { f.state = "Paused" })
		env.poll(t)
		start = env.f.callCount()
		if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, adapter.ActionPlayPause, nil)); err != nil {
			t.Fatalf("command: %v", err)
		}
		if _, ok := env.f.findCall(start, "Play"); !ok {
			t.Fatal("play_pause while paused should Play")
		}
	})

	t.Run("seek_reads_stream_id", func(t *testing.T) {
		start := env.f.callCount()
		pos := 81.0
		if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, ActionSeek, &pos)); err != nil {
			t.Fatalf("command: %v", err)
		}
		if _, ok := env.f.findCall(start, "StreamInfo"); !ok {
			t.Fatal("no StreamInfo call before seek")
		}
		call, ok := env.f.findCall(start, "SeekSecondAbsolute")
		if !ok {
			t.Fatal("no SeekSecondAbsolute call recorded")
		}
		if !strings.Contains(call.body, "<StreamId>7</StreamId>") || !strings.Contains(call.body, "<SecondAbsolute>81</SecondAbsolute>") {
			t.Errorf("body = %s", call.body)
		}
	})

	t.Run("volume_set", func(t *testing.T) {
		start := env.f.callCount()
		v := 35.0
		if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, adapter.ActionVolumeSet, &v)); err != nil {
			t.Fatalf("command: %v", err)
		}
		call, ok := env.f.findCall(start, "SetVolume")
		if !ok {
			t.Fatal("no SetVolume call recorded")
		}
		if !strings.Contains(call.body, "<Value>35</Value>") {
			t.Errorf("body = %s, want Value 35", call.body)
		}
	})

	t.Run("volume_rel_from_cached_level", func(t *testing.T) {
		env.f.set(func(f *fakeRenderer) { f.volume = 40 })
		env.poll(t)

		start := env.f.callCount()
		delta := -5.0
		if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, adapter.ActionVolumeRel, &delta)); err != nil {
			t.Fatalf("command: %v", err)
		}
		call, ok := env.f.findCall(start, "SetVolume")
		if !ok {
			t.Fatal("no SetVolume call recorded")
		}
		if !strings.Contains(call.body, "<Value>35</Value>") {
			t.Errorf("body = %s, want Value 35", call.body)
		}
	})

	t.Run("missing_values_rejected", func(t *testing.T) {
		for _, action := range []string{adapter.ActionVolumeSet, adapter.ActionVolumeRel, ActionSeek} {
			if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, action, nil)); !errors.Is(err, adapter.ErrInvalidAction) {
				t.Errorf("%s without value: err = %v, want ErrInvalidAction", action, err)
			}
		}
	})

	t.Run("unknown_action", func(t *testing.T) {
		if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, "teleport", nil)); !errors.Is(err, adapter.ErrInvalidAction) {
			t.Fatalf("err = %v, want ErrInvalidAction", err)
		}
	})

	t.Run("unknown_zone", func(t *testing.T) {
		if _, err := env.a.HandleCommand(ctx, adapter.NewCommand("openhome:ghost", adapter.ActionPlay, nil)); !errors.Is(err, adapter.ErrUnknownZone) {
			t.Fatalf("err = %v, want ErrUnknownZone", err)
		}
	})

	t.Run("offline_renderer_rejected", func(t *testing.T) {
		env.f.set(func(f *fakeRenderer) { f.fail = true })
		if err := env.a.poll(ctx); err == nil {
			t.Fatal("expected poll failure")
		}
		drainEvents(env.sub)

		if _, err := env.a.HandleCommand(ctx, adapter.NewCommand(zoneID, adapter.ActionPlay, nil)); !errors.Is(err, adapter.ErrUnknownZone) {
			t.Fatalf("err = %v, want ErrUnknownZone", err)
		}
	})
}

func TestAdapter_Status(t *testing.T) {
	env := newTestAdapter(t, newFakeRenderer())
	env.poll(t)
	env.a.markConnected()
	drainEvents(env.sub)

	st := env.a.Status()
	if st["connected"] != true || st["renderer_count"] != 1 || st["online_count"] != 1 {
		t.Fatalf("status = %v", st)
	}
	renderers, ok := st["renderers"].([]map[string]any)
	if !ok || len(renderers) != 1 {
		t.Fatalf("renderers = %v", st["renderers"])
	}
	if renderers[0]["zone_id"] != "openhome:study-amp" || renderers[0]["state"] != "playing" {
		t.Errorf("renderer status = %v", renderers[0])
	}
}
