package configstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/pkg/engine"
)

// Watcher syncs manifest files from a directory into the store. The file
// stem becomes the configuration id; a removed file deletes the
// configuration.
type Watcher struct {
	store    *Store
	dir      string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer
	stopCh  chan struct{}
}

// NewWatcher creates a watcher over the given manifests directory
func NewWatcher(store *Store, dir string, logger zerolog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:    store,
		dir:      dir,
		watcher:  fsw,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]fsnotify.Op),
		stopCh:   make(chan struct{}),
	}

	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

// SyncAll imports every manifest currently in the directory
func (w *Watcher) SyncAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		w.importFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".json") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Manifest change detected")
				w.schedule(event.Name, event.Op)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Manifest watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// schedule debounces bursts of writes to the same file
func (w *Watcher) schedule(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] |= op
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	ctx := context.Background()
	for path, op := range pending {
		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				id := configIDForPath(path)
				if err := w.store.Delete(ctx, id); err != nil {
					w.logger.Warn().Err(err).Str("config_id", id).Msg("Failed to delete configuration for removed manifest")
				}
				continue
			}
		}
		w.importFile(ctx, path)
	}
}

func (w *Watcher) importFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn().Err(err).Str("file", path).Msg("Failed to read manifest")
		return
	}

	var doc engine.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		w.logger.Warn().Err(err).Str("file", path).Msg("Manifest is not valid JSON")
		return
	}

	id := configIDForPath(path)
	name := id
	if n, ok := doc["name"].(string); ok && n != "" {
		name = n
	}

	if _, err := w.store.Put(ctx, id, name, doc); err != nil {
		w.logger.Warn().Err(err).Str("config_id", id).Msg("Failed to import manifest")
		return
	}
	w.logger.Info().Str("config_id", id).Msg("Manifest imported")
}

func configIDForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
