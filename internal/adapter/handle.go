package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/metrics"
)

// Handle lifecycle states, observable via Handle.State.
const (
	StateIdle         = "idle"
	StateInitializing = "initializing"
	StateRunning      = "running"
	StateRetrying     = "retrying"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
)

// RetryConfig controls the supervisor's backoff. Zero values select the
// defaults (1s doubling to 60s).
type RetryConfig struct {
	Min time.Duration
	Max time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Min <= 0 {
		c.Min = time.Second
	}
	if c.Max <= 0 {
		c.Max = 60 * time.Second
	}
	return c
}

// CommandTimeout bounds a single command dispatch.
const CommandTimeout = 10 * time.Second

// Handle supervises one adapter: it runs the logic's loop, retries failures
// with exponential backoff, watches the bus for ShuttingDown, and publishes
// exactly one AdapterStopped ACK when a started adapter exits.
type Handle struct {
	logic Logic
	bus   *bus.Bus
	retry RetryConfig
	log   zerolog.Logger

	state  atomic.Value // string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHandle wraps logic for supervision. Start must be called before the
// handle does anything.
func NewHandle(logic Logic, b *bus.Bus, retry RetryConfig, log zerolog.Logger) *Handle {
	h := &Handle{
		logic: logic,
		bus:   b,
		retry: retry.withDefaults(),
		done:  make(chan struct{}),
		log:   log.With().Str("component", "adapter").Str("adapter", logic.Prefix()).Logger(),
	}
	h.state.Store(StateIdle)
	return h
}

// Prefix returns the supervised adapter's zone-id prefix.
func (h *Handle) Prefix() string { return h.logic.Prefix() }

// State returns the current lifecycle state.
func (h *Handle) State() string { return h.state.Load().(string) }

// Done is closed when the supervisor goroutine has exited (after the
// AdapterStopped ACK). It never closes for a handle whose Start failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns backend-specific status detail when the logic reports one,
// nil otherwise.
func (h *Handle) Status() map[string]any {
	if sr, ok := h.logic.(StatusReporter); ok {
		return sr.Status()
	}
	return nil
}

// Start initializes the adapter and, on success, launches the supervisor.
// An Init error means the adapter never started: no goroutine, no ACK.
func (h *Handle) Start(ctx context.Context) error {
	h.state.Store(StateInitializing)
	if err := h.logic.Init(ctx); err != nil {
		h.state.Store(StateStopped)
		return fmt.Errorf("init %s adapter: %w", h.logic.Prefix(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.supervise(runCtx)
	return nil
}

// Stop cancels the adapter directly (without a bus-wide ShuttingDown) and
// waits for the ACK, bounded by ctx.
func (h *Handle) Stop(ctx context.Context) error {
	if h.cancel == nil {
		return nil
	}
	h.state.Store(StateStopping)
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send dispatches a command to the adapter with the standard timeout.
// Adapters that are not running fail fast.
func (h *Handle) Send(ctx context.Context, cmd Command) (Response, error) {
	prefix := h.logic.Prefix()
	if h.State() != StateRunning {
		metrics.CommandsTotal.WithLabelValues(prefix, "unavailable").Inc()
		return Response{}, fmt.Errorf("%s adapter is %s: %w", prefix, h.State(), ErrAdapterNotAvailable)
	}

	cctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	resp, err := h.logic.HandleCommand(cctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.CommandsTotal.WithLabelValues(prefix, "timeout").Inc()
			return Response{}, fmt.Errorf("%s %s: %w", prefix, cmd.Action, ErrTimeout)
		}
		metrics.CommandsTotal.WithLabelValues(prefix, "error").Inc()
		return Response{}, fmt.Errorf("%s %s: %w", prefix, cmd.Action, err)
	}
	metrics.CommandsTotal.WithLabelValues(prefix, "ok").Inc()
	return resp, nil
}

// supervise is the lifecycle loop. It exits on context cancellation or a
// ShuttingDown bus event; the deferred block publishes the single ACK.
func (h *Handle) supervise(ctx context.Context) {
	prefix := h.logic.Prefix()

	defer func() {
		h.state.Store(StateStopped)
		metrics.AdapterUp.WithLabelValues(prefix).Set(0)
		h.bus.Publish(bus.AdapterStopped{Adapter: prefix})
		h.log.Info().Msg("adapter stopped")
		close(h.done)
	}()

	// Watch the bus for the coordinator's ShuttingDown broadcast.
	sub := h.bus.Subscribe()
	defer sub.Close()
	stopCh := make(chan struct{})
	go func() {
		for e := range sub.C() {
			if _, ok := e.(bus.ShuttingDown); ok {
				close(stopCh)
				return
			}
		}
	}()

	backoff := h.retry.Min
	for {
		attemptCtx, cancelAttempt := context.WithCancel(ctx)
		go func() {
			select {
			case <-stopCh:
				cancelAttempt()
			case <-attemptCtx.Done():
			}
		}()

		h.state.Store(StateRunning)
		metrics.AdapterUp.WithLabelValues(prefix).Set(1)
		err := h.logic.Run(attemptCtx)
		cancelAttempt()
		metrics.AdapterUp.WithLabelValues(prefix).Set(0)

		if ctx.Err() != nil || stopRequested(stopCh) {
			if err != nil && !errors.Is(err, context.Canceled) {
				h.log.Debug().Err(err).Msg("run loop error during shutdown")
			}
			h.state.Store(StateStopping)
			return
		}

		if err != nil {
			h.state.Store(StateRetrying)
			metrics.AdapterRestarts.WithLabelValues(prefix).Inc()
			h.log.Warn().Err(err).Dur("backoff", backoff).Msg("adapter run failed, retrying")

			select {
			case <-time.After(backoff):
			case <-stopCh:
				h.state.Store(StateStopping)
				return
			case <-ctx.Done():
				h.state.Store(StateStopping)
				return
			}
			backoff *= 2
			if backoff > h.retry.Max {
				backoff = h.retry.Max
			}
			continue
		}

		// Clean completion: reset the backoff and re-run.
		h.log.Debug().Msg("adapter run completed, restarting")
		backoff = h.retry.Min
	}
}

func stopRequested(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
