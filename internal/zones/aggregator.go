// Package zones maintains the authoritative read model: a projection of bus
// events into the current zone map that API handlers and publishers query.
package zones

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/muse"
)

// Aggregator folds bus events into zone state. One Run loop applies events
// sequentially; queries take the read lock. Pointer fields inside stored
// zones are never mutated in place (copy-on-write), so query results may
// safely alias them.
type Aggregator struct {
	bus *bus.Bus
	log zerolog.Logger

	mu    sync.RWMutex
	zones map[string]muse.Zone
}

func New(b *bus.Bus, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		bus:   b,
		log:   log.With().Str("component", "zones").Logger(),
		zones: make(map[string]muse.Zone),
	}
}

// Run consumes the bus until ctx is cancelled. It must be started before
// adapters so no discovery events are missed.
func (a *Aggregator) Run(ctx context.Context) {
	sub := a.bus.Subscribe()
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
				a.log.Warn().Uint64("dropped", lagged-lastLagged).Msg("aggregator lagging, zone state may be stale until next discovery")
				lastLagged = lagged
			}
			a.apply(e)
		}
	}
}

func (a *Aggregator) apply(e bus.Event) {
	switch ev := e.(type) {
	case muse.ZoneDiscovered:
		a.mu.Lock()
		z := ev.Zone
		z.LastUpdated = nowMillis()
		a.zones[z.ZoneID] = z
		a.mu.Unlock()
		a.log.Debug().Str("zone_id", z.ZoneID).Str("name", z.ZoneName).Msg("zone discovered")

	case muse.ZoneUpdated:
		a.mu.Lock()
		if z, ok := a.zones[ev.ZoneID]; ok {
			z.ZoneName = ev.DisplayName
			z.State = ev.State
			z.LastUpdated = nowMillis()
			a.zones[ev.ZoneID] = z
		}
		a.mu.Unlock()

	case muse.ZoneRemoved:
		a.mu.Lock()
		delete(a.zones, ev.ZoneID)
		a.mu.Unlock()
		a.log.Debug().Str("zone_id", ev.ZoneID).Msg("zone removed")

	case muse.NowPlayingChanged:
		a.mu.Lock()
		if z, ok := a.zones[ev.ZoneID]; ok {
			z.NowPlaying = ev.NowPlaying
			z.LastUpdated = nowMillis()
			a.zones[ev.ZoneID] = z
		}
		a.mu.Unlock()

	case muse.SeekPositionChanged:
		a.mu.Lock()
		if z, ok := a.zones[ev.ZoneID]; ok && z.NowPlaying != nil {
			np := *z.NowPlaying
			secs := float64(ev.Position) / 1000.0
			np.SeekPosition = &secs
			z.NowPlaying = &np
			z.LastUpdated = nowMillis()
			a.zones[ev.ZoneID] = z
		}
		a.mu.Unlock()

	case muse.VolumeChanged:
		a.mu.Lock()
		for id, z := range a.zones {
			vc := z.VolumeControl
			if vc == nil || vc.OutputID == nil || *vc.OutputID != ev.OutputID {
				continue
			}
			updated := *vc
			updated.Value = ev.Value
			updated.IsMuted = ev.IsMuted
			z.VolumeControl = &updated
			z.LastUpdated = nowMillis()
			a.zones[id] = z
		}
		a.mu.Unlock()

	case muse.AdapterDisconnected:
		// The aggregator owns flush-on-disconnect so every adapter behaves
		// the same regardless of what it publishes on its way down.
		n := a.Flush(ev.Adapter)
		if n > 0 {
			a.log.Info().Str("adapter", ev.Adapter).Int("zones", n).Msg("flushed zones for disconnected adapter")
		}
		a.bus.Publish(bus.ZonesFlushed{Source: ev.Adapter})

	case bus.ZonesFlushed:
		a.Flush(ev.Source)
	}
}

// Flush removes every zone owned by source and returns how many were removed.
func (a *Aggregator) Flush(source string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, z := range a.zones {
		if z.Source == source {
			delete(a.zones, id)
			n++
		}
	}
	return n
}

// Zones returns a snapshot of all zones sorted by zone id.
func (a *Aggregator) Zones() []muse.Zone {
	a.mu.RLock()
	out := make([]muse.Zone, 0, len(a.zones))
	for _, z := range a.zones {
		out = append(out, z)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out
}

// Zone looks up a single zone by id.
func (a *Aggregator) Zone(id string) (muse.Zone, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	z, ok := a.zones[id]
	return z, ok
}

// Count returns the number of tracked zones.
func (a *Aggregator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.zones)
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
