package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the instances document when it changes on disk, so a
// long-running server picks up instances added from another shell.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	debounce time.Duration

	mu       sync.Mutex
	onReload []func(*Document)
}

// NewWatcher creates a watcher for store's file.
func NewWatcher(store *Store) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:    store,
		watcher:  w,
		stopChan: make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}, nil
}

// OnReload registers a callback invoked with every successfully parsed
// document.
func (w *Watcher) OnReload(fn func(*Document)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Start watches the directory that holds the config file. Watching the
// directory survives the rename performed by atomic writes.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.watchForChanges()
	log.Debug().Str("path", w.store.Path()).Msg("Started watching instances config")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *Watcher) watchForChanges() {
	target := filepath.Base(w.store.Path())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(w.debounce)
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	doc, err := w.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable instances config")
		return
	}
	log.Info().Int("instances", len(doc.Instances)).Msg("Reloaded instances config")

	w.mu.Lock()
	callbacks := append([]func(*Document){}, w.onReload...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(doc)
	}
}
