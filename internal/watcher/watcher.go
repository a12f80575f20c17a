// Package watcher watches the settings file and reports changes so the engine
// can reload its configuration.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher calls onChange after the watched file is written, created or
// replaced. The parent directory is watched, so the file may not exist yet and
// may be swapped by rename.
type Watcher struct {
	path     string
	dir      string
	onChange func(path string)
	debounce time.Duration

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

// New creates a watcher for path.
func New(path string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     filepath.Clean(path),
		dir:      filepath.Dir(filepath.Clean(path)),
		onChange: onChange,
		debounce: DefaultDebounce,
		fsw:      fsw,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetDebounce changes the debounce interval. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. The parent directory must exist.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if _, err := os.Stat(w.dir); err != nil {
		return err
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	w.running = true
	go w.loop()
	return nil
}

// Stop stops watching and releases the watcher. Pending callbacks are cancelled.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.cancel()
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				w.schedule()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				log.Debug().Str("path", w.path).Msg("Settings file removed, keeping current configuration")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Settings watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.ctx.Done():
			return
		default:
		}
		log.Info().Str("path", w.path).Msg("Settings changed")
		w.onChange(w.path)
	})
}
