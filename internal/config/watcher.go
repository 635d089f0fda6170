// ABOUTME: Watches the config file and reloads it after writes
// ABOUTME: Debounces editor bursts and hands each valid config to a callback

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher watches path. The parent directory is watched so editors that
// replace the file by rename are still seen.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   logger.With("component", "config_watcher"),
		watcher:  fw,
	}, nil
}

// Run watches for file changes until ctx is cancelled. An invalid file is
// logged and the previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		mu       sync.Mutex
		debounce *time.Timer
	)
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		if debounce != nil {
			debounce.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, w.reload)
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}
