package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits for writes to settle
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-syncs when the catalogue file changes. It watches the parent
// directory so editors that replace the file by rename are noticed.
type Watcher struct {
	path     string
	syncer   *Syncer
	debounce time.Duration
	logger   logrus.FieldLogger
	watcher  *fsnotify.Watcher
}

// NewWatcher starts watching path
func NewWatcher(path string, syncer *Syncer, debounce time.Duration, logger logrus.FieldLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		syncer:   syncer,
		debounce: debounce,
		logger:   logger.WithField("catalog", abs),
		watcher:  fw,
	}, nil
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// Run processes events until ctx is cancelled or the watcher is closed
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("Catalog changed")
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Watcher error")

		case <-timer.C:
			// failures are logged by the syncer; the next change retries
			_, _ = w.syncer.SyncIfChanged(ctx)
		}
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
