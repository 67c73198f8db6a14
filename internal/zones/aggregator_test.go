package zones

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

func strPtr(s string) *string { return &s }

func testZone(id, name, source string) muse.Zone {
	return muse.Zone{
		ZoneID:         id,
		ZoneName:       name,
		State:          muse.StateStopped,
		Source:         source,
		IsControllable: true,
	}
}

// startAggregator runs an aggregator over a live bus and returns it with the
// bus and a cleanup-registered cancel.
func startAggregator(t *testing.T) (*Aggregator, *bus.Bus) {
	t.Helper()
	b := bus.New(64, zerolog.Nop())
	a := New(b, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	return a, b
}

func waitForCount(t *testing.T, a *Aggregator, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Count() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("zone count = %d, want %d", a.Count(), want)
}

func waitForZone(t *testing.T, a *Aggregator, id string, cond func(muse.Zone) bool) muse.Zone {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last muse.Zone
	for time.Now().Before(deadline) {
		if z, ok := a.Zone(id); ok {
			last = z
			if cond(z) {
				return z
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("zone %q never reached expected state, last: %+v", id, last)
	return muse.Zone{}
}

func TestAggregator_DiscoverUpdateRemove(t *testing.T) {
	a, b := startAggregator(t)

	b.Publish(muse.ZoneDiscovered{Zone: testZone("lms:p1", "Kitchen", "lms")})
	waitForCount(t, a, 1)

	z, ok := a.Zone("lms:p1")
	if !ok {
		t.Fatal("zone not found after discovery")
	}
	if z.ZoneName != "Kitchen" {
		t.Errorf("zone_name = %q, want Kitchen", z.ZoneName)
	}
	if z.LastUpdated == 0 {
		t.Error("last_updated not stamped on discovery")
	}

	b.Publish(muse.ZoneUpdated{ZoneState: muse.ZoneState{
		ZoneID: "lms:p1", DisplayName: "Kitchen Speakers", State: muse.StatePlaying,
	}})
	waitForZone(t, a, "lms:p1", func(z muse.Zone) bool { return z.State == muse.StatePlaying })

	z, _ = a.Zone("lms:p1")
	if z.ZoneName != "Kitchen Speakers" {
		t.Errorf("zone_name = %q, want Kitchen Speakers", z.ZoneName)
	}

	b.Publish(muse.ZoneRemoved{ZoneID: "lms:p1"})
	waitForCount(t, a, 0)
}

func TestAggregator_UpdateForUnknownZoneIgnored(t *testing.T) {
	a, b := startAggregator(t)

	b.Publish(muse.ZoneUpdated{ZoneState: muse.ZoneState{
		ZoneID: "roon:ghost", DisplayName: "Ghost", State: muse.StatePlaying,
	}})
	b.Publish(muse.NowPlayingChanged{ZoneID: "roon:ghost", NowPlaying: &muse.NowPlaying{Title: "x"}})
	b.Publish(muse.SeekPositionChanged{ZoneID: "roon:ghost", Position: 1000})

	// Marker event proves the unknown-zone events were already consumed.
	b.Publish(muse.ZoneDiscovered{Zone: testZone("lms:p1", "Kitchen", "lms")})
	waitForCount(t, a, 1)

	if _, ok := a.Zone("roon:ghost"); ok {
		t.Error("updates must not create zones")
	}
}

func TestAggregator_NowPlayingAndSeek(t *testing.T) {
	a, b := startAggregator(t)

	b.Publish(muse.ZoneDiscovered{Zone: testZone("roon:z1", "Office", "roon")})
	waitForCount(t, a, 1)

	dur := 251.0
	b.Publish(muse.NowPlayingChanged{ZoneID: "roon:z1", NowPlaying: &muse.NowPlaying{
		Title: "So What", Artist: "Miles Davis", Album: "Kind of Blue", Duration: &dur,
	}})
	waitForZone(t, a, "roon:z1", func(z muse.Zone) bool { return z.NowPlaying != nil })

	// Seek arrives in milliseconds, the zone stores seconds.
	b.Publish(muse.SeekPositionChanged{ZoneID: "roon:z1", Position: 92500})
	z := waitForZone(t, a, "roon:z1", func(z muse.Zone) bool {
		return z.NowPlaying != nil && z.NowPlaying.SeekPosition != nil
	})
	if got := *z.NowPlaying.SeekPosition; got != 92.5 {
		t.Errorf("seek_position = %v, want 92.5", got)
	}
	if z.NowPlaying.Title != "So What" {
		t.Errorf("title = %q, seek must not replace the track", z.NowPlaying.Title)
	}
}

func TestAggregator_SeekWithoutTrackIgnored(t *testing.T) {
	a, b := startAggregator(t)

	b.Publish(muse.ZoneDiscovered{Zone: testZone("lms:p1", "Kitchen", "lms")})
	waitForCount(t, a, 1)

	b.Publish(muse.SeekPositionChanged{ZoneID: "lms:p1", Position: 5000})
	// Marker to flush ordering.
	b.Publish(muse.ZoneDiscovered{Zone: testZone("lms:p2", "Bath", "lms")})
	waitForCount(t, a, 2)

	z, _ := a.Zone("lms:p1")
	if z.NowPlaying != nil {
		t.Error("seek without a current track must not invent now_playing")
	}
}

func TestAggregator_VolumeMatchesByOutputID(t *testing.T) {
	a, b := startAggregator(t)

	withOutput := testZone("roon:z1", "Office", "roon")
	withOutput.VolumeControl = &muse.VolumeControl{
		Value: -22, Min: -64, Max: 0, Step: 1, Scale: muse.ScaleDecibel,
		OutputID: strPtr("out-7"),
	}
	otherOutput := testZone("roon:z2", "Hall", "roon")
	otherOutput.VolumeControl = &muse.VolumeControl{
		Value: -30, Min: -64, Max: 0, Step: 1, Scale: muse.ScaleDecibel,
		OutputID: strPtr("out-9"),
	}
	noControl := testZone("lms:p1", "Kitchen", "lms")

	b.Publish(muse.ZoneDiscovered{Zone: withOutput})
	b.Publish(muse.ZoneDiscovered{Zone: otherOutput})
	b.Publish(muse.ZoneDiscovered{Zone: noControl})
	waitForCount(t, a, 3)

	b.Publish(muse.VolumeChanged{OutputID: "out-7", Value: -18, IsMuted: true})
	waitForZone(t, a, "roon:z1", func(z muse.Zone) bool {
		return z.VolumeControl != nil && z.VolumeControl.Value == -18
	})

	z, _ := a.Zone("roon:z1")
	if !z.VolumeControl.IsMuted {
		t.Error("is_muted not applied")
	}
	z2, _ := a.Zone("roon:z2")
	if z2.VolumeControl.Value != -30 {
		t.Errorf("unrelated output volume = %v, want -30", z2.VolumeControl.Value)
	}
}

func TestAggregator_AdapterDisconnectFlushes(t *testing.T) {
	a, b := startAggregator(t)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(muse.ZoneDiscovered{Zone: testZone("lms:p1", "Kitchen", "lms")})
	b.Publish(muse.ZoneDiscovered{Zone: testZone("lms:p2", "Bath", "lms")})
	b.Publish(muse.ZoneDiscovered{Zone: testZone("roon:z1", "Office", "roon")})
	waitForCount(t, a, 3)

	b.Publish(muse.AdapterDisconnected{Adapter: "lms"})
	waitForCount(t, a, 1)

	if _, ok := a.Zone("roon:z1"); !ok {
		t.Error("disconnect of one adapter must not flush another's zones")
	}

	// The aggregator announces the flush itself.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.C():
			if f, ok := e.(bus.ZonesFlushed); ok {
				if f.Source != "lms" {
					t.Errorf("ZonesFlushed source = %q, want lms", f.Source)
				}
				return
			}
		case <-deadline:
			t.Fatal("no ZonesFlushed published after AdapterDisconnected")
		}
	}
}

func TestAggregator_ObservedFlushIsIdempotent(t *testing.T) {
	a, b := startAggregator(t)

	b.Publish(muse.ZoneDiscovered{Zone: testZone("hqp:main", "HQPlayer", "hqp")})
	waitForCount(t, a, 1)

	b.Publish(bus.ZonesFlushed{Source: "hqp"})
	waitForCount(t, a, 0)

	// A second flush for an already-empty source is harmless.
	b.Publish(bus.ZonesFlushed{Source: "hqp"})
	b.Publish(muse.ZoneDiscovered{Zone: testZone("lms:p1", "Kitchen", "lms")})
	waitForCount(t, a, 1)
}

func TestAggregator_ZonesSorted(t *testing.T) {
	a, b := startAggregator(t)

	b.Publish(muse.ZoneDiscovered{Zone: testZone("roon:z9", "C", "roon")})
	b.Publish(muse.ZoneDiscovered{Zone: testZone("lms:p1", "A", "lms")})
	b.Publish(muse.ZoneDiscovered{Zone: testZone("openhome:u2", "B", "openhome")})
	waitForCount(t, a, 3)

	zones := a.Zones()
	want := []string{"lms:p1", "openhome:u2", "roon:z9"}
	for i, id := range want {
		if zones[i].ZoneID != id {
			t.Errorf("zones[%d] = %q, want %q", i, zones[i].ZoneID, id)
		}
	}
}
