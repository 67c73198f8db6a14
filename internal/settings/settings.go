// Package settings holds runtime-mutable configuration: which adapters are
// enabled and the Memex license. Changes from the API or from external edits
// to settings.json fan out to subscribed components.
package settings

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// KnownAdapters lists every adapter prefix the settings file can toggle.
var KnownAdapters = []string{"roon", "lms", "openhome", "upnp", "hqplayer"}

// Settings is the persisted shape of settings.json.
type Settings struct {
	Adapters map[string]bool `json:"adapters"`
	License  *string         `json:"license"`
}

// Default returns the out-of-box settings: the two zero-config adapters on,
// everything that needs per-install setup off.
func Default() Settings {
	return Settings{
		Adapters: map[string]bool{
			"roon":     true,
			"lms":      true,
			"openhome": false,
			"upnp":     false,
			"hqplayer": false,
		},
	}
}

// AdapterEnabled reports whether the named adapter is toggled on.
func (s Settings) AdapterEnabled(name string) bool {
	return s.Adapters[name]
}

// LicenseKey returns the license, or "" when unset.
func (s Settings) LicenseKey() string {
	if s.License == nil {
		return ""
	}
	return *s.License
}

func (s Settings) clone() Settings {
	out := Settings{Adapters: make(map[string]bool, len(s.Adapters))}
	for k, v := range s.Adapters {
		out.Adapters[k] = v
	}
	if s.License != nil {
		l := *s.License
		out.License = &l
	}
	return out
}

func (s Settings) equal(other Settings) bool {
	if len(s.Adapters) != len(other.Adapters) {
		return false
	}
	for k, v := range s.Adapters {
		if other.Adapters[k] != v {
			return false
		}
	}
	return s.LicenseKey() == other.LicenseKey()
}

// Store is the RW-guarded settings holder with atomic file persistence.
type Store struct {
	path string
	log  zerolog.Logger

	mu        sync.RWMutex
	current   Settings
	listeners []func(Settings)
}

// NewStore loads path, falling back to defaults when the file is missing.
// A malformed file is an error: refusing to start beats silently resetting
// someone's configuration.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	st := &Store{
		path: path,
		log:  log.With().Str("component", "settings").Logger(),
	}

	loaded, err := readFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		st.current = Default()
		st.log.Info().Str("path", path).Msg("no settings file, using defaults")
	case err != nil:
		return nil, err
	default:
		st.current = normalize(loaded)
		st.log.Info().Str("path", path).Msg("settings loaded")
	}
	return st, nil
}

// Current returns a copy of the active settings.
func (st *Store) Current() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.clone()
}

// OnChange registers fn to run (on the mutating goroutine) after every
// settings change. Register before the watcher or API can mutate.
func (st *Store) OnChange(fn func(Settings)) {
	st.mu.Lock()
	st.listeners = append(st.listeners, fn)
	st.mu.Unlock()
}

// Apply replaces the settings, persists them, and notifies listeners.
func (st *Store) Apply(s Settings) error {
	s = normalize(s)

	st.mu.Lock()
	if s.equal(st.current) {
		st.mu.Unlock()
		return nil
	}
	st.current = s
	snapshot := s.clone()
	listeners := append([]func(Settings){}, st.listeners...)
	st.mu.Unlock()

	if err := st.persist(snapshot); err != nil {
		return err
	}
	for _, fn := range listeners {
		fn(snapshot.clone())
	}
	return nil
}

// Reload re-reads the file (external edit path). Unreadable or unparsable
// content is logged and ignored; the in-memory settings stay authoritative.
func (st *Store) Reload() {
	loaded, err := readFile(st.path)
	if err != nil {
		st.log.Warn().Err(err).Str("path", st.path).Msg("settings reload failed, keeping current")
		return
	}
	s := normalize(loaded)

	st.mu.Lock()
	if s.equal(st.current) {
		st.mu.Unlock()
		return
	}
	st.current = s
	snapshot := s.clone()
	listeners := append([]func(Settings){}, st.listeners...)
	st.mu.Unlock()

	st.log.Info().Str("path", st.path).Msg("settings reloaded from disk")
	for _, fn := range listeners {
		fn(snapshot.clone())
	}
}

// Path returns the backing file path.
func (st *Store) Path() string { return st.path }

func (st *Store) persist(s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(st.path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	st.log.Debug().Str("path", st.path).Msg("settings persisted")
	return nil
}

func readFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// normalize fills in toggles a sparse file omitted so every known adapter
// has an explicit value.
func normalize(s Settings) Settings {
	out := s.clone()
	if out.Adapters == nil {
		out.Adapters = make(map[string]bool, len(KnownAdapters))
	}
	defaults := Default().Adapters
	for _, name := range KnownAdapters {
		if _, ok := out.Adapters[name]; !ok {
			out.Adapters[name] = defaults[name]
		}
	}
	if s.License != nil && *s.License == "" {
		out.License = nil
	}
	return out
}
