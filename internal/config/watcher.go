package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"edgecli/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands the
// new value to a callback. The parent directory is watched rather than
// the file itself so editors that replace the file are still observed.
// A file that fails to load or validate is not passed on.
type Watcher struct {
	// OnError, when set before Start, receives reload failures.
	OnError func(error)

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onChange    func(*Config)
	debounceDur time.Duration
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     w,
		path:        filepath.Clean(path),
		onChange:    onChange,
		debounceDur: 200 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. It returns immediately; events are handled on a
// separate goroutine until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.watcher.Close()
		close(w.doneCh)
		return err
	}
	logging.Get(logging.CategoryConfig).Info("watching %s", w.path)

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

	w.watcher.Close()
	<-w.doneCh
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
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
			if timer == nil {
				timer = time.NewTimer(w.debounceDur)
			} else {
				timer.Reset(w.debounceDur)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			cfg, err := Load(w.path)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				logging.Get(logging.CategoryConfig).Warn("reload %s failed: %v", w.path, err)
				if w.OnError != nil {
					w.OnError(err)
				}
				continue
			}
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Warn("watch error: %v", err)
		}
	}
}
