package adapter

import (
	"fmt"
	"sync"

	"github.com/ohlabs/musebridge/internal/muse"
)

// Registry maps zone-id prefixes to adapter handles. The coordinator
// registers handles at startup; the command router resolves zone ids
// through it.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register adds a handle under its logic's prefix. Registering the same
// prefix twice is a programming error.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := h.Prefix()
	if _, ok := r.handles[prefix]; ok {
		return fmt.Errorf("adapter %q already registered", prefix)
	}
	r.handles[prefix] = h
	return nil
}

// Deregister removes the handle for a prefix so a replacement can be
// registered. Routing for the prefix fails until then.
func (r *Registry) Deregister(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, prefix)
}

// Get returns the handle for a prefix, or nil.
func (r *Registry) Get(prefix string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[prefix]
}

// Route resolves a zone id to the handle owning its prefix. Zone ids
// without a prefix, or with a prefix no adapter registered, are unknown.
func (r *Registry) Route(zoneID string) (*Handle, error) {
	prefix := muse.ZonePrefix(zoneID)
	if prefix == "" {
		return nil, fmt.Errorf("zone %q has no adapter prefix: %w", zoneID, ErrUnknownZone)
	}
	r.mu.RLock()
	h := r.handles[prefix]
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no adapter for zone %q: %w", zoneID, ErrUnknownZone)
	}
	return h, nil
}

// All returns the registered handles in no particular order.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// States reports each registered adapter's lifecycle state.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.handles))
	for prefix, h := range r.handles {
		out[prefix] = h.State()
	}
	return out
}
