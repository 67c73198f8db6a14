package api

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/muse"
)

const (
	// ringSize bounds the replay buffer used for Last-Event-ID recovery.
	ringSize = 512

	// clientBuffer is each subscriber's frame buffer. When it fills, frames
	// are dropped for that subscriber; publishers are never blocked.
	clientBuffer = 64
)

// Frame is one encoded wire event stamped with a replayable id.
type Frame struct {
	ID   string
	Data []byte // the {"type","payload"} envelope

	seq uint64
}

// Stream is the edge fan-out for SSE and WebSocket clients. It is the single
// bus subscriber on this path: events are filtered to the wire subset,
// encoded once, stamped with a monotonic id, kept in a bounded replay ring,
// and forwarded to every subscriber without blocking.
type Stream struct {
	events EventSource
	log    zerolog.Logger

	mu   sync.RWMutex
	ring []Frame
	seq  uint64
	subs map[chan Frame]struct{}
}

func NewStream(events EventSource, log zerolog.Logger) *Stream {
	return &Stream{
		events: events,
		log:    log.With().Str("component", "stream").Logger(),
		subs:   make(map[chan Frame]struct{}),
	}
}

// Run consumes the bus until ctx is cancelled. Bus-internal events never
// reach clients: only the wire subset crosses this edge.
func (s *Stream) Run(ctx context.Context) {
	sub := s.events.Subscribe()
	defer sub.Close()

	var lastLagged uint64
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if lagged := sub.Lagged(); lagged > lastLagged {
				s.log.Warn().Uint64("dropped", lagged-lastLagged).Msg("stream lagging, clients missed events")
				lastLagged = lagged
			}
			we, ok := e.(muse.WireEvent)
			if !ok {
				continue
			}
			data, err := muse.EncodeWire(we)
			if err != nil {
				s.log.Error().Err(err).Str("event", we.EventType()).Msg("encode wire event")
				continue
			}
			s.broadcast(data)
		}
	}
}

func (s *Stream) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	f := Frame{
		ID:   strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + strconv.FormatUint(s.seq, 10),
		Data: data,
		seq:  s.seq,
	}
	s.ring = append(s.ring, f)
	if len(s.ring) > ringSize {
		s.ring = s.ring[len(s.ring)-ringSize:]
	}
	for ch := range s.subs {
		select {
		case ch <- f:
		default:
			// Slow subscriber: drop the frame, never block the drain.
		}
	}
}

// Subscribe registers a frame channel. Call cancel to release it; the channel
// is never closed.
func (s *Stream) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, clientBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

// ReplaySince returns buffered frames newer than the given event id, oldest
// first. A blank or unparseable id yields nothing.
func (s *Stream) ReplaySince(lastID string) []Frame {
	_, seqStr, found := strings.Cut(lastID, "-")
	if !found {
		return nil
	}
	after, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Frame
	for _, f := range s.ring {
		if f.seq > after {
			out = append(out, f)
		}
	}
	return out
}
