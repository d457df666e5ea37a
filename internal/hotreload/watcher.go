// Package hotreload watches the config file and pushes reloaded handler
// tunables into the running daemon without a restart.
package hotreload

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jordanhubbard/weft/pkg/config"
)

// fallbackPollInterval re-reads the file even when no filesystem event
// fires, as a safety net for editors and mounts fsnotify cannot see.
const fallbackPollInterval = 60 * time.Second

// debounceDelay coalesces the burst of events a single save produces.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads one config file and hands each valid result to a
// callback.
type Watcher struct {
	path     string
	onChange func(*config.Config)
}

// NewWatcher creates a watcher for the given config path. onChange is
// called with every successfully parsed reload; invalid configs are
// logged and skipped, keeping the last good settings live.
func NewWatcher(path string, onChange func(*config.Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// Run blocks watching the file until ctx ends. The file's directory is
// watched rather than the file itself so rename-replace saves keep
// working.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[HotReload] Watcher unavailable, polling only: %v", err)
		w.runPoll(ctx)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		log.Printf("[HotReload] Cannot watch %s, polling only: %v", dir, err)
		w.runPoll(ctx)
		return
	}

	fallback := time.NewTicker(fallbackPollInterval)
	defer fallback.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				debounce.Reset(debounceDelay)
			}
			debounceCh = debounce.C
		case <-debounceCh:
			debounceCh = nil
			w.reload()
		case err := <-watcher.Errors:
			if err != nil {
				log.Printf("[HotReload] Watcher error: %v", err)
			}
		case <-fallback.C:
			w.reload()
		}
	}
}

func (w *Watcher) runPoll(ctx context.Context) {
	ticker := time.NewTicker(fallbackPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.LoadFromFile(w.path)
	if err != nil {
		log.Printf("[HotReload] Reload of %s rejected: %v", w.path, err)
		return
	}
	log.Printf("[HotReload] Config reloaded from %s", w.path)
	w.onChange(cfg)
}
