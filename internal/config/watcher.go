package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/and161185/televault/internal/transport"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher holds the current Config and replaces it when the file changes.
// It is the credentials source of the transport set, so credentials added to
// the file take effect on the next transport call.
type Watcher struct {
	path   string
	logger *zap.Logger
	cur    atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(*Config)
}

var _ transport.CredentialsSource = (*Watcher)(nil)

// NewWatcher starts from an already loaded configuration.
func NewWatcher(path string, initial *Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{path: path, logger: logger.Named("config")}
	w.cur.Store(initial)
	return w
}

// Current returns the active configuration. Callers must not modify it.
func (w *Watcher) Current() *Config { return w.cur.Load() }

// Credentials implements transport.CredentialsSource.
func (w *Watcher) Credentials() transport.Credentials { return w.Current().Credentials() }

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Reload re-reads the file. An invalid file leaves the active configuration in place.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.cur.Store(cfg)

	w.mu.Lock()
	subs := append(([]func(*Config))(nil), w.subs...)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// Run watches the directory of the config file until ctx is done. The
// directory is watched rather than the file because editors replace files
// on save.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	target := filepath.Clean(w.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := func() {
		if err := w.Reload(); err != nil {
			w.logger.Warn("config reload rejected, keeping previous settings", zap.Error(err))
			return
		}
		w.logger.Info("config reloaded", zap.String("path", w.path))
	}

	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, reload)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}
