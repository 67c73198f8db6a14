package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/adapter/hqplayer"
	"github.com/ohlabs/musebridge/internal/adapter/lms"
	"github.com/ohlabs/musebridge/internal/adapter/openhome"
	"github.com/ohlabs/musebridge/internal/adapter/roon"
	"github.com/ohlabs/musebridge/internal/adapter/upnp"
	"github.com/ohlabs/musebridge/internal/api"
	"github.com/ohlabs/musebridge/internal/artwork"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/config"
	"github.com/ohlabs/musebridge/internal/coordinator"
	"github.com/ohlabs/musebridge/internal/mcp"
	"github.com/ohlabs/musebridge/internal/metrics"
	"github.com/ohlabs/musebridge/internal/mqttbridge"
	"github.com/ohlabs/musebridge/internal/reporter"
	"github.com/ohlabs/musebridge/internal/settings"
	"github.com/ohlabs/musebridge/internal/zones"
)

var version = "dev"

func main() {
	flagEnvFile := flag.String("env-file", "", "path to a .env file (default: ./.env when present)")
	flagPort := flag.Int("port", 0, "HTTP listen port (overrides MUSE_PORT)")
	flagLogLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flagConfigDir := flag.String("config-dir", "", "settings and state directory")
	flagLMSHost := flag.String("lms-host", "", "LMS server host")
	flagVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *flagVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(config.Overrides{
		EnvFile:   *flagEnvFile,
		Port:      *flagPort,
		LogLevel:  *flagLogLevel,
		ConfigDir: *flagConfigDir,
		LMSHost:   *flagLMSHost,
	})
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg)
	log.Info().Str("version", version).Int("port", cfg.Port).Msg("musebridge starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Settings: persisted toggles plus live reload of external edits.
	store, err := settings.NewStore(cfg.SettingsPath(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}
	watcher := settings.NewWatcher(store, log)
	if err := watcher.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("settings watcher unavailable, live reload disabled")
	}

	// Core state: bus, aggregated zones, the ingest reporter.
	eventBus := bus.New(bus.DefaultBuffer, log)
	aggregator := zones.New(eventBus, log)
	rep := reporter.New(reporter.Options{
		IngestURL: cfg.IngestURL,
		Zones:     aggregator,
		Bus:       eventBus,
		Log:       log,
	})

	coord := coordinator.New(coordinator.Options{
		Bus:       eventBus,
		Zones:     aggregator,
		Reporter:  rep,
		Registry:  adapter.NewRegistry(),
		Store:     store,
		Factories: adapterFactories(cfg, eventBus, log),
		Log:       log,
	})
	if err := coord.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start coordinator")
	}
	prometheus.MustRegister(metrics.NewCollector(coord))

	// MQTT: an external broker URL wins; otherwise the embedded broker
	// serves the bridge's own client on the loopback side of its listener.
	var mqttBroker *mqttbridge.Broker
	var mqttBridge *mqttbridge.Bridge
	brokerURL := cfg.MQTTURL
	if brokerURL == "" && cfg.MQTTEmbedded {
		mqttBroker, err = mqttbridge.NewBroker(cfg.MQTTListen, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to bind embedded mqtt broker")
		}
		if err := mqttBroker.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start embedded mqtt broker")
		}
		brokerURL = mqttbridge.ClientURL(cfg.MQTTListen)
	}
	if brokerURL != "" {
		mqttBridge, err = mqttbridge.Connect(mqttbridge.Options{
			BrokerURL:   brokerURL,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Zones:       aggregator,
			Commands:    coord,
			Events:      eventBus,
			Log:         log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		go func() {
			if err := mqttBridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("mqtt bridge stopped")
			}
		}()
	}

	// Artwork cache.
	art, err := artwork.New(artwork.Options{
		Dir:      cfg.ArtworkDir(),
		MaxBytes: int64(cfg.ArtworkCacheMB) << 20,
		Log:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open artwork cache")
	}
	art.Start()

	// HTTP surface: SSE/WS stream, MCP, REST.
	stream := api.NewStream(eventBus, log)
	go stream.Run(ctx)

	mcpServer := mcp.NewServer(mcp.Options{
		Zones:    aggregator,
		Commands: coord,
		Queries:  coord,
		Status:   coord,
		Settings: store,
		Version:  version,
		Log:      log,
	})

	var mqttSource api.MQTTSource
	if mqttBridge != nil {
		mqttSource = mqttBridge
	}
	srv := api.NewServer(api.Options{
		Config:   cfg,
		Zones:    aggregator,
		Commands: coord,
		Status:   coord,
		Settings: store,
		Stream:   stream,
		Reporter: rep,
		MQTT:     mqttSource,
		Artwork:  art,
		MCP:      mcpServer,
		Version:  version,
		Log:      log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Ordered teardown: stop accepting HTTP, wind down adapters (final
	// reporter flush happens inside), then the MQTT side and the pruner.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	coord.Shutdown(context.Background())

	if mqttBridge != nil {
		mqttBridge.Close()
	}
	if mqttBroker != nil {
		mqttBroker.Close()
	}
	art.Stop()

	log.Info().Msg("musebridge stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}

// adapterFactories builds one factory per adapter. The coordinator calls a
// factory at startup and again whenever a stopped adapter is re-enabled,
// since handles are one-shot.
func adapterFactories(cfg *config.Config, b *bus.Bus, log zerolog.Logger) map[string]coordinator.Factory {
	return map[string]coordinator.Factory{
		"roon": func() (adapter.Logic, error) {
			return roon.New(roon.Options{BridgeURL: cfg.RoonBridgeURL, Bus: b, Log: log}), nil
		},
		"lms": func() (adapter.Logic, error) {
			return lms.New(lms.Options{
				Host:      cfg.LMSHost,
				Port:      cfg.LMSPort,
				ConfigDir: cfg.ConfigDir,
				Bus:       b,
				Log:       log,
			}), nil
		},
		"hqplayer": func() (adapter.Logic, error) {
			return hqplayer.New(hqplayer.Options{
				Host:     cfg.HQPlayerHost,
				Port:     cfg.HQPlayerPort,
				Username: cfg.HQPlayerUsername,
				Password: cfg.HQPlayerPassword,
				Bus:      b,
				Log:      log,
			}), nil
		},
		"openhome": func() (adapter.Logic, error) {
			return openhome.New(openhome.Options{Renderers: cfg.OpenHomeRenderers, Bus: b, Log: log}), nil
		},
		"upnp": func() (adapter.Logic, error) {
			return upnp.New(upnp.Options{Renderers: cfg.UPnPRenderers, Bus: b, Log: log}), nil
		},
	}
}
