package agent

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/acto-org/acto/internal/common/fileutil"
	"github.com/acto-org/acto/internal/common/logger"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads agent definitions when files in the directory change.
// Editors fire bursts of events per save, so reloads are debounced.
type Watcher struct {
	dir       string
	registry  *Registry
	watcher   *fsnotify.Watcher
	quit      chan struct{}
	closeOnce sync.Once
}

// NewWatcher starts watching dir for definition changes. The caller runs
// Start in a goroutine and calls Stop on shutdown.
func NewWatcher(dir string, registry *Registry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		watcher:  fw,
		quit:     make(chan struct{}),
	}, nil
}

// Start blocks, applying definition reloads until Stop is called or the
// context is canceled.
func (w *Watcher) Start(ctx context.Context) {
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-w.quit:
			return

		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !fileutil.IsYAMLFile(event.Name) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error(ctx, "Agent watcher error", "err", err)

		case <-timer.C:
			w.Reload(ctx)
		}
	}
}

// Reload loads the directory and swaps the registry's custom agents.
func (w *Watcher) Reload(ctx context.Context) {
	defs, err := LoadDir(ctx, w.dir)
	if err != nil {
		logger.Warn(ctx, "Agent definitions loaded with errors", "err", err)
	}
	if err := w.registry.ApplyDefinitions(ctx, defs); err != nil {
		logger.Warn(ctx, "Some agent definitions were not applied", "err", err)
	}
	logger.Info(ctx, "Agent definitions reloaded", "dir", w.dir, "count", len(defs))
}

// Stop ends the watch loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.closeOnce.Do(func() {
		close(w.quit)
		_ = w.watcher.Close()
	})
}
