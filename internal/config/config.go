package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `env:"MUSE_PORT" envDefault:"3000"`
	APIToken string `env:"MUSE_API_TOKEN"`

	// ConfigDir holds settings.json and adapter state files.
	// Empty means ~/.config/musebridge.
	ConfigDir string `env:"MUSE_CONFIG_DIR"`

	IngestURL string `env:"MUSE_INGEST_URL"`

	LogLevel  string `env:"MUSE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MUSE_LOG_FORMAT" envDefault:"console"`

	ReadTimeout  time.Duration `env:"MUSE_HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"MUSE_HTTP_WRITE_TIMEOUT" envDefault:"0"`
	IdleTimeout  time.Duration `env:"MUSE_HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LMSHost string `env:"MUSE_LMS_HOST"`
	LMSPort int    `env:"MUSE_LMS_PORT" envDefault:"9000"`

	HQPlayerHost     string `env:"MUSE_HQPLAYER_HOST"`
	HQPlayerPort     int    `env:"MUSE_HQPLAYER_PORT" envDefault:"8088"`
	HQPlayerUsername string `env:"MUSE_HQPLAYER_USERNAME"`
	HQPlayerPassword string `env:"MUSE_HQPLAYER_PASSWORD"`

	// RoonBridgeURL is the WebSocket endpoint of the Roon sidecar.
	RoonBridgeURL string `env:"MUSE_ROON_BRIDGE_URL"`

	// Renderer lists are comma-separated base URLs of device description
	// or control endpoints.
	OpenHomeRenderers []string `env:"MUSE_OPENHOME_RENDERERS"`
	UPnPRenderers     []string `env:"MUSE_UPNP_RENDERERS"`

	MQTTURL         string `env:"MUSE_MQTT_URL"`
	MQTTUsername    string `env:"MUSE_MQTT_USERNAME"`
	MQTTPassword    string `env:"MUSE_MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MUSE_MQTT_TOPIC_PREFIX" envDefault:"musebridge"`
	MQTTEmbedded    bool   `env:"MUSE_MQTT_EMBEDDED" envDefault:"false"`
	MQTTListen      string `env:"MUSE_MQTT_LISTEN" envDefault:":1883"`

	ArtworkCacheMB int `env:"MUSE_ARTWORK_CACHE_MB" envDefault:"64"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile   string
	Port      int
	LogLevel  string
	ConfigDir string
	LMSHost   string
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.Port != 0 {
		cfg.Port = overrides.Port
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.ConfigDir != "" {
		cfg.ConfigDir = overrides.ConfigDir
	}
	if overrides.LMSHost != "" {
		cfg.LMSHost = overrides.LMSHost
	}

	if cfg.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		cfg.ConfigDir = filepath.Join(home, ".config", "musebridge")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no deployment can mean.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid MUSE_PORT %d", c.Port)
	}
	if c.LMSPort <= 0 || c.LMSPort > 65535 {
		return fmt.Errorf("invalid MUSE_LMS_PORT %d", c.LMSPort)
	}
	if c.HQPlayerPort <= 0 || c.HQPlayerPort > 65535 {
		return fmt.Errorf("invalid MUSE_HQPLAYER_PORT %d", c.HQPlayerPort)
	}
	if c.ArtworkCacheMB < 0 {
		return fmt.Errorf("invalid MUSE_ARTWORK_CACHE_MB %d", c.ArtworkCacheMB)
	}
	return nil
}

// SettingsPath returns the settings.json location inside the config dir.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.ConfigDir, "settings.json")
}

// ArtworkDir returns the artwork cache directory inside the config dir.
func (c *Config) ArtworkDir() string {
	return filepath.Join(c.ConfigDir, "artwork")
}

// HTTPAddr returns the listen address for the API server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
