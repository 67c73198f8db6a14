// Package reporter forwards bus events to the Memex cloud ingest when a
// license is configured. Events are debounced, batched, and delivered
// fire-and-forget; the bridge never depends on the cloud being reachable.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/metrics"
	"github.com/ohlabs/musebridge/internal/muse"
)

// DefaultIngestURL is the production ingest proxy.
const DefaultIngestURL = "https://muse-ingest.ohlabs.ai/ingest"

const (
	defaultDebounceWindow = 5 * time.Second
	defaultBatchSize      = 10
	defaultBatchInterval  = 5 * time.Second
	cleanupInterval       = 30 * time.Second
	requestTimeout        = 10 * time.Second
)

type Options struct {
	License   string // empty = disabled until SetLicense
	IngestURL string
	Zones     ZoneSource
	Bus       *bus.Bus
	Log       zerolog.Logger

	// Tunables; zero values select production defaults.
	DebounceWindow time.Duration
	BatchSize      int
	BatchInterval  time.Duration
}

// Reporter consumes the bus and ships converted events to the ingest proxy.
type Reporter struct {
	url    string
	client *http.Client
	zones  ZoneSource
	bus    *bus.Bus
	log    zerolog.Logger
	window time.Duration

	mu       sync.Mutex
	license  string
	debounce map[uint64]time.Time

	batch *Batcher[muse.IngestEvent]
}

func New(opts Options) *Reporter {
	if opts.IngestURL == "" {
		opts.IngestURL = DefaultIngestURL
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = defaultDebounceWindow
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = defaultBatchInterval
	}

	r := &Reporter{
		url:      opts.IngestURL,
		client:   &http.Client{Timeout: requestTimeout},
		zones:    opts.Zones,
		bus:      opts.Bus,
		log:      opts.Log.With().Str("component", "reporter").Logger(),
		window:   opts.DebounceWindow,
		license:  opts.License,
		debounce: make(map[uint64]time.Time),
	}
	r.batch = NewBatcher[muse.IngestEvent](opts.BatchSize, opts.BatchInterval, r.flush)
	return r
}

// IsEnabled reports whether a license is set.
func (r *Reporter) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.license != ""
}

// License returns the current license, or "".
func (r *Reporter) License() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.license
}

// SetLicense enables or, with an empty string, disables forwarding.
// Disabling clears the pending batch and the debounce cache so a later
// re-enable starts from a clean slate.
func (r *Reporter) SetLicense(license string) {
	r.mu.Lock()
	was := r.license != ""
	r.license = license
	if was && license == "" {
		r.debounce = make(map[uint64]time.Time)
	}
	r.mu.Unlock()

	switch {
	case was && license == "":
		r.batch.Drop()
		r.log.Info().Msg("event reporter disabled, buffers cleared")
	case !was && license != "":
		r.log.Info().Msg("event reporter enabled with Memex license")
	}
}

// Pending reports how many converted events await the next flush.
func (r *Reporter) Pending() int {
	return r.batch.Pending()
}

// Run consumes the bus until ctx is cancelled, then performs a final flush.
func (r *Reporter) Run(ctx context.Context) {
	sub := r.bus.Subscribe()
	defer sub.Close()

	janitor := time.NewTicker(cleanupInterval)
	defer janitor.Stop()

	r.log.Info().Bool("enabled", r.IsEnabled()).Msg("event reporter started")

	for {
		select {
		case <-ctx.Done():
			r.batch.Stop()
			r.log.Info().Msg("event reporter stopped")
			return
		case <-janitor.C:
			r.evictStale()
		case e, ok := <-sub.C():
			if !ok {
				r.batch.Stop()
				return
			}
			r.process(e)
		}
	}
}

func (r *Reporter) process(e bus.Event) {
	if !r.IsEnabled() {
		return
	}
	ev, ok := convert(e, r.zones)
	if !ok {
		return
	}
	if !r.admit(ev) {
		metrics.ReporterDebounced.Inc()
		r.log.Debug().Str("event_type", ev.EventType).Msg("event debounced")
		return
	}
	metrics.ReporterEvents.Inc()
	r.batch.Add(ev)
}

// admit applies the debounce window. A suppressed event does not refresh
// its entry, so a steady stream of identical events still gets through once
// per window rather than never.
func (r *Reporter) admit(ev muse.IngestEvent) bool {
	key := debounceKey(ev)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.debounce[key]; ok && now.Sub(last) < r.window {
		return false
	}
	r.debounce[key] = now
	return true
}

func (r *Reporter) evictStale() {
	cutoff := time.Now().Add(-2 * r.window)
	r.mu.Lock()
	for k, seen := range r.debounce {
		if seen.Before(cutoff) {
			delete(r.debounce, k)
		}
	}
	remaining := len(r.debounce)
	r.mu.Unlock()
	r.log.Debug().Int("entries", remaining).Msg("debounce cache swept")
}

func debounceKey(ev muse.IngestEvent) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ev.EventType))
	h.Write([]byte{':'})
	h.Write(ev.Payload)
	return h.Sum64()
}

// flush runs on the batcher's goroutine; delivery itself is detached so a
// slow ingest proxy never backs up the batcher or shutdown.
func (r *Reporter) flush(events []muse.IngestEvent) {
	license := r.License()
	if license == "" || len(events) == 0 {
		return
	}

	body, err := json.Marshal(muse.IngestRequest{Events: events})
	if err != nil {
		r.log.Error().Err(err).Msg("encode ingest batch")
		return
	}
	go r.deliver(body, license, len(events))
}

func (r *Reporter) deliver(body []byte, license string, count int) {
	req, err := http.NewRequest(http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.log.Error().Err(err).Msg("build ingest request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+license)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.ReporterBatches.WithLabelValues("error").Inc()
		r.log.Warn().Err(err).Int("events", count).Msg("ingest delivery failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ReporterBatches.WithLabelValues("rejected").Inc()
		r.log.Warn().Int("status", resp.StatusCode).Int("events", count).Msg("ingest proxy rejected batch")
		return
	}
	metrics.ReporterBatches.WithLabelValues("ok").Inc()
	r.log.Debug().Int("events", count).Msg("ingest batch delivered")
}
