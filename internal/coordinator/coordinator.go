// Package coordinator wires the bridge together and owns its lifecycle:
// the aggregator and reporter loops, one supervised handle per adapter,
// command dispatch, and the ordered shutdown handshake.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/reporter"
	"github.com/ohlabs/musebridge/internal/settings"
	"github.com/ohlabs/musebridge/internal/zones"
)

// ShutdownTimeout bounds how long Shutdown waits for adapter ACKs.
const ShutdownTimeout = 10 * time.Second

// Factory builds a fresh adapter Logic. Called once at startup and again
// whenever a stopped adapter is re-enabled, since handles are one-shot.
type Factory func() (adapter.Logic, error)

type Options struct {
	Bus       *bus.Bus
	Zones     *zones.Aggregator
	Reporter  *reporter.Reporter
	Registry  *adapter.Registry
	Store     *settings.Store
	Factories map[string]Factory
	Retry     adapter.RetryConfig
	Log       zerolog.Logger
}

type Coordinator struct {
	bus       *bus.Bus
	zones     *zones.Aggregator
	reporter  *reporter.Reporter
	registry  *adapter.Registry
	store     *settings.Store
	factories map[string]Factory
	retry     adapter.RetryConfig
	log       zerolog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*adapter.Handle
}

func New(opts Options) *Coordinator {
	return &Coordinator{
		bus:       opts.Bus,
		zones:     opts.Zones,
		reporter:  opts.Reporter,
		registry:  opts.Registry,
		store:     opts.Store,
		factories: opts.Factories,
		retry:     opts.Retry,
		log:       opts.Log.With().Str("component", "coordinator").Logger(),
		handles:   make(map[string]*adapter.Handle),
	}
}

// Start brings up the aggregator and reporter loops, registers a handle for
// every adapter that has a factory, and starts the enabled ones. The run
// context is internal: teardown is driven by Shutdown, not by ctx.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runCtx, c.cancelRun = context.WithCancel(context.Background())

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.zones.Run(c.runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.reporter.Run(c.runCtx)
	}()

	s := c.store.Current()
	c.reporter.SetLicense(s.LicenseKey())

	// Register everything up front so commands for a disabled adapter fail
	// with "not available" rather than "unknown zone".
	for name, factory := range c.factories {
		logic, err := factory()
		if err != nil {
			c.log.Error().Err(err).Str("adapter", name).Msg("adapter construction failed")
			continue
		}
		h := adapter.NewHandle(logic, c.bus, c.retry, c.log)
		if err := c.registry.Register(h); err != nil {
			return err
		}
		c.mu.Lock()
		c.handles[name] = h
		c.mu.Unlock()

		if !s.AdapterEnabled(name) {
			c.log.Info().Str("adapter", name).Msg("adapter disabled in settings")
			continue
		}
		if err := h.Start(c.runCtx); err != nil {
			c.log.Error().Err(err).Str("adapter", name).Msg("adapter failed to start")
			continue
		}
		c.log.Info().Str("adapter", name).Msg("adapter started")
	}

	c.store.OnChange(c.applySettings)
	return nil
}

// applySettings reconciles running adapters and the reporter license with a
// settings change.
func (c *Coordinator) applySettings(s settings.Settings) {
	c.reporter.SetLicense(s.LicenseKey())

	for name := range c.factories {
		c.mu.Lock()
		h := c.handles[name]
		c.mu.Unlock()
		if h == nil {
			continue
		}

		enabled := s.AdapterEnabled(name)
		state := h.State()
		switch {
		case enabled && state == adapter.StateIdle:
			if err := h.Start(c.runCtx); err != nil {
				c.log.Error().Err(err).Str("adapter", name).Msg("adapter failed to start")
			} else {
				c.log.Info().Str("adapter", name).Msg("adapter enabled")
			}

		case enabled && state == adapter.StateStopped:
			if err := c.respawn(name); err != nil {
				c.log.Error().Err(err).Str("adapter", name).Msg("adapter failed to restart")
			}

		case !enabled && state != adapter.StateIdle && state != adapter.StateStopped:
			go func(name string, h *adapter.Handle) {
				sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
				defer cancel()
				if err := h.Stop(sctx); err != nil {
					c.log.Warn().Err(err).Str("adapter", name).Msg("adapter slow to stop")
					return
				}
				c.log.Info().Str("adapter", name).Msg("adapter disabled")
			}(name, h)
		}
	}
}

// respawn replaces a terminal handle with a fresh logic + handle pair.
func (c *Coordinator) respawn(name string) error {
	factory := c.factories[name]
	logic, err := factory()
	if err != nil {
		return err
	}
	h := adapter.NewHandle(logic, c.bus, c.retry, c.log)

	c.registry.Deregister(name)
	if err := c.registry.Register(h); err != nil {
		return err
	}
	c.mu.Lock()
	c.handles[name] = h
	c.mu.Unlock()

	if err := h.Start(c.runCtx); err != nil {
		return err
	}
	c.log.Info().Str("adapter", name).Msg("adapter enabled")
	return nil
}

// Control routes a zone-addressed command to its adapter. The returned id
// correlates the dispatch with logs and the caller's response.
func (c *Coordinator) Control(ctx context.Context, zoneID, action string, value *float64) (uuid.UUID, adapter.Response, error) {
	h, err := c.registry.Route(zoneID)
	if err != nil {
		return uuid.Nil, adapter.Response{}, err
	}
	cmd := adapter.NewCommand(zoneID, action, value)
	c.log.Debug().
		Str("command_id", cmd.ID.String()).
		Str("zone_id", zoneID).
		Str("action", action).
		Msg("dispatching command")
	resp, err := h.Send(ctx, cmd)
	return cmd.ID, resp, err
}

// Query dispatches a prefix-addressed command (adapter-level queries that
// have no zone, like a search or a DSP status probe).
func (c *Coordinator) Query(ctx context.Context, prefix string, cmd adapter.Command) (adapter.Response, error) {
	h := c.registry.Get(prefix)
	if h == nil {
		return adapter.Response{}, fmt.Errorf("no %q adapter: %w", prefix, adapter.ErrAdapterNotAvailable)
	}
	return h.Send(ctx, cmd)
}

// AdapterStates reports each adapter's lifecycle state.
func (c *Coordinator) AdapterStates() map[string]string {
	return c.registry.States()
}

// AdapterDetails reports backend-specific status detail (core name, host,
// player counts) for adapters whose logic exposes one.
func (c *Coordinator) AdapterDetails() map[string]map[string]any {
	details := make(map[string]map[string]any)
	for _, h := range c.registry.All() {
		if d := h.Status(); d != nil {
			details[h.Prefix()] = d
		}
	}
	return details
}

// Shutdown publishes ShuttingDown, waits up to ShutdownTimeout (or ctx,
// whichever ends first) for every started handle to ACK, then stops the
// reporter (final flush) and aggregator.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.log.Info().Msg("shutting down")
	c.bus.Publish(bus.ShuttingDown{})

	waitCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	c.mu.Lock()
	handles := make([]*adapter.Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		if h.State() == adapter.StateIdle || h.State() == adapter.StateStopped {
			continue
		}
		select {
		case <-h.Done():
			c.log.Debug().Str("adapter", h.Prefix()).Msg("adapter acked shutdown")
		case <-waitCtx.Done():
			c.log.Warn().
				Str("adapter", h.Prefix()).
				Str("state", h.State()).
				Msg("adapter did not stop in time, proceeding")
		}
	}

	c.cancelRun()
	c.wg.Wait()
	c.log.Info().Msg("shutdown complete")
}

// ZoneCount implements metrics.BridgeStats.
func (c *Coordinator) ZoneCount() int { return c.zones.Count() }

// BusSubscriberCount implements metrics.BridgeStats.
func (c *Coordinator) BusSubscriberCount() int { return c.bus.SubscriberCount() }

// PendingReportCount implements metrics.BridgeStats.
func (c *Coordinator) PendingReportCount() int { return c.reporter.Pending() }
