package repl

import (
	"context"

	"edgecli/internal/config"
	"edgecli/internal/logging"
)

// WatchConfig re-applies repl defaults from the config file whenever it
// changes. notify receives the names of options that changed, or the
// error that made a reload fail, in which case every setting keeps its
// value; it may be nil. The returned stop function waits for the watcher
// to exit.
func WatchConfig(ctx context.Context, path string, s *Settings, notify func(changed []string, err error)) (func(), error) {
	w, err := config.NewWatcher(path, func(cfg *config.Config) {
		changed := s.ApplyDefaults(cfg.REPL)
		if len(changed) == 0 {
			return
		}
		logging.REPL("config reloaded, changed: %v", changed)
		if notify != nil {
			notify(changed, nil)
		}
	})
	if err != nil {
		return nil, err
	}
	w.OnError = func(err error) {
		if notify != nil {
			notify(nil, err)
		}
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w.Stop, nil
}
