package policy

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads a gate's tables whenever its policy file changes.
type Watcher struct {
	gate     *Gate
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
	timer    *time.Timer
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the policy file at path.
func NewWatcher(gate *Gate, path string, debounce time.Duration) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	return &Watcher{
		gate:     gate,
		path:     filepath.Clean(path),
		debounce: debounce,
		watcher:  watcher,
		done:     make(chan struct{}),
	}, nil
}

// Start loads the file once and begins watching it. The directory is watched rather than the
// file so that editors which replace the file on save are picked up.
func (w *Watcher) Start() error {
	if err := w.reload(); err != nil {
		return err
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch policy file: %w", err)
	}

	go w.eventLoop()

	log.Info().
		Str("path", w.path).
		Msg("Policy watcher started")

	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Policy watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Policy watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule debounces bursts of writes into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.reload(); err != nil {
			log.Error().Err(err).Str("path", w.path).Msg("Policy reload failed, keeping previous tables")
		}
	})
}

func (w *Watcher) reload() error {
	tables, err := LoadTables(w.path)
	if err != nil {
		return err
	}
	w.gate.Update(tables)
	return nil
}
