package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/config"
	"github.com/ohlabs/musebridge/internal/metrics"
)

// Options carries everything the server serves from. Artwork, MCP, and MQTT
// are optional; nil leaves the corresponding surface unrouted (or, for MQTT,
// reported as not configured).
type Options struct {
	Config   *config.Config
	Zones    ZoneSource
	Commands CommandSink
	Status   StatusSource
	Settings SettingsStore
	Stream   *Stream
	Reporter ReporterSource
	MQTT     MQTTSource
	Artwork  http.Handler
	MCP      http.Handler
	Version  string
	Log      zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	log := opts.Log
	startTime := time.Now()

	r := chi.NewRouter()

	// Global middleware. Logger wraps Recoverer so panic lines carry the
	// request id and panicked requests still get an access line.
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Health and metrics — no auth
	health := NewHealthHandler(opts.Status, opts.MQTT, opts.Reporter, opts.Version, startTime)
	r.Get("/health", health.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.APIToken))

		zones := NewZonesHandler(opts.Zones)
		r.Get("/zones", zones.ListZones)
		r.Get("/now_playing", zones.NowPlaying)

		control := NewControlHandler(opts.Commands)
		r.Post("/control", control.Control)

		events := NewEventsHandler(opts.Stream)
		r.Get("/events", events.StreamEvents)

		ws := NewWSHandler(opts.Stream, opts.Commands)
		r.Get("/ws", ws.ServeWS)

		status := NewStatusHandler(opts.Status, opts.Zones, opts.Version, startTime)
		r.Get("/status", status.Status)

		settings := NewSettingsHandler(opts.Settings)
		r.Get("/api/settings", settings.GetSettings)
		r.Put("/api/settings", settings.PutSettings)

		if opts.Artwork != nil {
			r.Method(http.MethodGet, "/artwork/{key}", opts.Artwork)
		}
		if opts.MCP != nil {
			r.Handle("/mcp", opts.MCP)
		}
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr(),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
