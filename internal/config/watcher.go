package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"aura/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk and hands the new
// value to a callback. It watches the parent directory because editors
// usually replace files instead of writing them in place.
type Watcher struct {
	watcher     *fsnotify.Watcher
	path        string
	onChange    func(*Config)
	debounceDur time.Duration
	doneCh      chan struct{}
	closeOnce   sync.Once
}

// Watch starts watching path. The callback runs on the watcher goroutine.
// The watcher stops when ctx is cancelled or Close is called.
func Watch(ctx context.Context, path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:     fw,
		path:        filepath.Clean(path),
		onChange:    onChange,
		debounceDur: 200 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
	go w.run(ctx)
	logging.ConfigInfo("watching %s", w.path)
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	<-w.doneCh
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.closeOnce.Do(func() { _ = w.watcher.Close() })
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce rapid saves
			pending = time.After(w.debounceDur)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigWarn("watcher error: %v", err)

		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				logging.ConfigWarn("reload of %s failed: %v", w.path, err)
				continue
			}
			logging.ConfigInfo("reloaded %s", w.path)
			w.onChange(cfg)
		}
	}
}
