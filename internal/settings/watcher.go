package settings

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the store when settings.json changes on disk. It watches
// the parent directory because editors and atomic writers replace the file,
// which would orphan a watch on the file itself.
type Watcher struct {
	store *Store
	log   zerolog.Logger

	fsw *fsnotify.Watcher

	// Coalesce the Create+Write+Rename burst a single save produces.
	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

func NewWatcher(store *Store, log zerolog.Logger) *Watcher {
	return &Watcher{
		store: store,
		log:   log.With().Str("component", "settings-watcher").Logger(),
	}
}

// Start begins watching until ctx is cancelled. Watch setup failure is
// returned so the caller can log it, but callers treat it as non-fatal:
// the bridge works without live reload.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.store.Path())); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	w.log.Info().Str("path", w.store.Path()).Msg("watching settings file")
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.fsw.Close()

	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Reset(reloadDebounce)
		return
	}
	w.debounceTimer = time.AfterFunc(reloadDebounce, func() {
		w.debounceMu.Lock()
		w.debounceTimer = nil
		w.debounceMu.Unlock()

		w.store.Reload()
	})
}
