package api

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

func newTestStream(t *testing.T) (*Stream, *bus.Bus) {
	t.Helper()
	b := bus.New(64, zerolog.Nop())
	s := NewStream(b, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s, b
}

func waitFrame(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

// waitSubscribers blocks until the stream has at least n subscribers, so a
// test can broadcast without racing a handler's Subscribe call.
func waitSubscribers(t *testing.T, s *Stream, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		got := len(s.subs)
		s.mu.RUnlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream never reached %d subscribers", n)
}

func TestStream_WireEventsOnly(t *testing.T) {
	s, b := newTestStream(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	// Bus-internal events must never reach clients.
	b.Publish(bus.AdapterStopped{Adapter: "lms"})
	b.Publish(muse.ZoneUpdated{ZoneState: muse.ZoneState{
		ZoneID:      "lms:p1",
		DisplayName: "Kitchen",
		State:       muse.StatePaused,
	}})

	f := waitFrame(t, ch)
	var env muse.Envelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		t.Fatalf("frame is not an envelope: %v", err)
	}
	if env.Type != "ZoneUpdated" {
		t.Errorf("type = %q, want ZoneUpdated (internal event leaked?)", env.Type)
	}
	if want := `{"zone_id":"lms:p1","display_name":"Kitchen","state":"paused"}`; string(env.Payload) != want {
		t.Errorf("payload = %s, want %s", env.Payload, want)
	}

	select {
	case extra := <-ch:
		t.Errorf("unexpected second frame: %s", extra.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStream_FrameIDs(t *testing.T) {
	s, _ := newTestStream(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.broadcast([]byte(`{"type":"a"}`))
	s.broadcast([]byte(`{"type":"b"}`))

	first := waitFrame(t, ch)
	second := waitFrame(t, ch)

	for _, f := range []Frame{first, second} {
		millis, seq, found := strings.Cut(f.ID, "-")
		if !found {
			t.Fatalf("id %q is not unixmilli-seq", f.ID)
		}
		if _, err := strconv.ParseInt(millis, 10, 64); err != nil {
			t.Errorf("id %q: bad millis part: %v", f.ID, err)
		}
		if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
			t.Errorf("id %q: bad seq part: %v", f.ID, err)
		}
	}
	if first.seq+1 != second.seq {
		t.Errorf("seq not monotonic: %d then %d", first.seq, second.seq)
	}
}

func TestStream_ReplaySince(t *testing.T) {
	s, _ := newTestStream(t)

	var ids []string
	ch, cancel := s.Subscribe()
	for i := 0; i < 5; i++ {
		s.broadcast([]byte(`{"n":` + strconv.Itoa(i) + `}`))
		ids = append(ids, waitFrame(t, ch).ID)
	}
	cancel()

	t.Run("replays_newer_frames", func(t *testing.T) {
		got := s.ReplaySince(ids[1])
		if len(got) != 3 {
			t.Fatalf("replayed %d frames, want 3", len(got))
		}
		if string(got[0].Data) != `{"n":2}` {
			t.Errorf("first replayed frame = %s", got[0].Data)
		}
		if string(got[2].Data) != `{"n":4}` {
			t.Errorf("last replayed frame = %s", got[2].Data)
		}
	})

	t.Run("latest_id_replays_nothing", func(t *testing.T) {
		if got := s.ReplaySince(ids[4]); len(got) != 0 {
			t.Errorf("replayed %d frames, want 0", len(got))
		}
	})

	t.Run("blank_id", func(t *testing.T) {
		if got := s.ReplaySince(""); got != nil {
			t.Errorf("replayed %d frames, want none", len(got))
		}
	})

	t.Run("garbage_id", func(t *testing.T) {
		if got := s.ReplaySince("not-numeric"); got != nil {
			t.Errorf("replayed %d frames, want none", len(got))
		}
	})
}

func TestStream_RingBounded(t *testing.T) {
	s, _ := newTestStream(t)

	for i := 0; i < ringSize+100; i++ {
		s.broadcast([]byte(`{}`))
	}

	s.mu.RLock()
	n := len(s.ring)
	oldest := s.ring[0].seq
	s.mu.RUnlock()
	if n != ringSize {
		t.Errorf("ring holds %d frames, want %d", n, ringSize)
	}
	if oldest != 101 {
		t.Errorf("oldest seq = %d, want 101 (first 100 evicted)", oldest)
	}
}

func TestStream_SlowSubscriberDropsFrames(t *testing.T) {
	s, _ := newTestStream(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	// Nobody drains: the buffer fills, the rest drop, nothing blocks.
	for i := 0; i < clientBuffer*2; i++ {
		s.broadcast([]byte(`{}`))
	}
	if len(ch) != clientBuffer {
		t.Errorf("buffered %d frames, want %d", len(ch), clientBuffer)
	}
}
