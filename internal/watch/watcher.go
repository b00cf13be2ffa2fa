// Package watch monitors a base directory for newly arrived image files
// and hands settled files to a processing callback.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"fijibatch/internal/config"
	"fijibatch/internal/logging"
)

// Handler receives a settled image file path.
type Handler func(ctx context.Context, path string)

// Stats tracks watcher activity.
type Stats struct {
	FilesSeen     int
	FilesHandled  int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// Watcher watches a directory tree for image files. Events are debounced
// so files still being copied in are only handled once they settle.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	basePath    string
	files       config.FileConfig
	keywords    []string
	handler     Handler
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats Stats
}

// NewWatcher creates a watcher for basePath. keywords may be empty to
// handle every supported image file.
func NewWatcher(basePath string, files config.FileConfig, keywords []string, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fsw,
		basePath:    basePath,
		files:       files,
		keywords:    keywords,
		handler:     handler,
		debounceMap: make(map[string]time.Time),
		debounceDur: 2 * time.Second, // image files arrive slowly over network shares
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// SetDebounce overrides the settle window.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDur = d
}

// Start begins watching. Non-blocking; the event loop runs in a
// goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the whole existing tree; fsnotify is not recursive.
	err := filepath.WalkDir(w.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if addErr := w.watcher.Add(path); addErr != nil {
				logging.WatchDebug("cannot watch %s: %v", path, addErr)
			}
		}
		return nil
	})
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	logging.Watch("watching %s for new images", w.basePath)
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("close watcher: %v", err)
	}
	logging.Watch("stopped watching %s", w.basePath)
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns a snapshot of watcher activity.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	settleTicker := time.NewTicker(100 * time.Millisecond)
	defer settleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Error("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-settleTicker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New directories join the watch so nested drops are seen.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				logging.WatchDebug("cannot watch new dir %s: %v", event.Name, err)
			}
			return
		}
	}

	if !w.wantsFile(event.Name) {
		return
	}

	logging.WatchDebug("event %s for %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.FilesSeen++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// wantsFile applies the extension and keyword filters.
func (w *Watcher) wantsFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	supported := false
	for _, e := range w.files.SupportedExtensions {
		if ext == strings.ToLower(e) {
			supported = true
			break
		}
	}
	if !supported {
		return false
	}

	if len(w.keywords) == 0 {
		return true
	}
	nameLower := strings.ToLower(filepath.Base(path))
	for _, kw := range w.keywords {
		if strings.Contains(nameLower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// processSettled hands files past the debounce window to the handler.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		if _, err := os.Stat(path); err != nil {
			logging.WatchDebug("settled file vanished: %s", path)
			continue
		}
		logging.Watch("handling settled file: %s", path)
		w.handler(ctx, path)
		w.mu.Lock()
		w.stats.FilesHandled++
		w.mu.Unlock()
	}
}
