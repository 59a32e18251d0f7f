package plugin

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the settle time for bundle file changes.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher monitors the external plugin directory for new or changed
// bundles and notifies the host through a callback. Changes are debounced
// so multi-file bundle writes (extract, then manifest) produce one
// notification.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	onBundle func(id, bundleDir string)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time // bundle dir -> last change
}

// NewWatcher creates a watcher over the plugin directory. onBundle is
// invoked with the plugin id (the bundle directory name) after its files
// settle.
func NewWatcher(dir string, onBundle func(id, bundleDir string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onBundle: onBundle,
		done:     make(chan struct{}),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. The directory is created if missing.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0750); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsWatcher = fsw
	w.logger.Info("watching plugin directory", "dir", w.dir)

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher and waits for its loop to exit.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			bundle := w.bundleOf(event.Name)
			if bundle == "" {
				continue
			}
			w.mu.Lock()
			w.pending[bundle] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// bundleOf maps a changed path to its top-level bundle directory under the
// watched root, or "" when the path is the root itself or outside it.
func (w *Watcher) bundleOf(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first := strings.Split(rel, string(os.PathSeparator))[0]
	return filepath.Join(w.dir, first)
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for bundle, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, bundle)
		}
	}
	for _, bundle := range ready {
		delete(w.pending, bundle)
	}
	w.mu.Unlock()

	for _, bundle := range ready {
		// Only complete bundles (manifest present) are announced.
		if _, err := os.Stat(filepath.Join(bundle, ManifestFile)); err != nil {
			continue
		}
		id := filepath.Base(bundle)
		w.logger.Info("plugin bundle changed", "plugin", id)
		if w.onBundle != nil {
			w.onBundle(id, bundle)
		}
	}
}
