package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "musebridge"

// HTTP metrics (counter/histogram — incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Bus and adapter counters.
var (
	BusEventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_events_published_total",
		Help:      "Events published to the bus.",
	})

	BusEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_events_dropped_total",
		Help:      "Events dropped because a subscriber's buffer was full.",
	})

	AdapterRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adapter_restarts_total",
		Help:      "Adapter run-loop restarts scheduled by the supervisor.",
	}, []string{"adapter"})

	AdapterUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "adapter_up",
		Help:      "Whether an adapter is in the running state (1) or not (0).",
	}, []string{"adapter"})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Control commands routed to adapters, by outcome.",
	}, []string{"adapter", "status"})
)

// Reporter counters.
var (
	ReporterEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reporter_events_total",
		Help:      "Events accepted into the ingest batch.",
	})

	ReporterDebounced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reporter_debounced_total",
		Help:      "Events suppressed by the reporter's debounce window.",
	})

	ReporterBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reporter_batches_total",
		Help:      "Ingest batch POSTs, by outcome.",
	}, []string{"status"})
)

// Fan-out gauges and counters.
var (
	SSEClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sse_clients",
		Help:      "Currently connected SSE clients.",
	})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Currently connected WebSocket clients.",
	})

	MQTTPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_published_total",
		Help:      "Messages published to the MQTT bridge.",
	})

	ArtworkCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artwork_cache_hits_total",
		Help:      "Artwork requests served from the local cache.",
	})

	ArtworkCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artwork_cache_misses_total",
		Help:      "Artwork requests that required an upstream fetch.",
	})

	ArtworkCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artwork_cache_evictions_total",
		Help:      "Artwork files evicted by the size pruner.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BusEventsPublished,
		BusEventsDropped,
		AdapterRestarts,
		AdapterUp,
		CommandsTotal,
		ReporterEvents,
		ReporterDebounced,
		ReporterBatches,
		SSEClients,
		WSClients,
		MQTTPublished,
		ArtworkCacheHits,
		ArtworkCacheMisses,
		ArtworkCacheEvictions,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Flush forwards to the wrapped writer so SSE streams keep flushing through
// the middleware chain.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
