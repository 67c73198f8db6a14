// Package bus implements the broadcast event bus at the center of the bridge.
// Adapters publish, everything else subscribes. Delivery is lossy: a
// subscriber that cannot keep up loses events (and can see how many via its
// lag counter) but never blocks a publisher.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 1024

// Event is anything that travels on the bus. Wire events from the muse
// package satisfy it structurally; bus-internal events live in this package.
type Event interface {
	EventType() string
}

// Bus fans every published event out to all current subscribers.
type Bus struct {
	log    zerolog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// New creates a Bus. buffer <= 0 selects DefaultBuffer.
func New(buffer int, log zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		log:    log.With().Str("component", "bus").Logger(),
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

// Publish delivers e to every subscriber without blocking. Subscribers with a
// full buffer miss the event and their lag counter increments.
func (b *Bus) Publish(e Event) {
	metrics.BusEventsPublished.Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.lagged.Add(1)
			metrics.BusEventsDropped.Inc()
			b.log.Debug().
				Str("event", e.EventType()).
				Uint64("subscriber", sub.id).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Subscribe registers a new subscriber and returns its subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan Event, b.buffer),
		bus: b,
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id     uint64
	ch     chan Event
	bus    *Bus
	lagged atomic.Uint64
	once   sync.Once
}

// C returns the receive channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Lagged returns how many events this subscriber has missed so far.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

// Close unsubscribes and closes the channel. Safe to call more than once and
// safe against concurrent Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
