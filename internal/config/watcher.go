package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches configuration files and hot reloads them. It is only
// active in development; production deployments restart to pick up changes.
type Watcher struct {
	config    *Config
	callbacks []func(*Config)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once

	// reloads counts successful reloads; it suffixes the pipeline version
	// so cached retrieval fingerprints roll over after a config change.
	reloads int
}

// NewWatcher creates a configuration watcher around the initial config.
func NewWatcher(initial *Config, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		config:    initial,
		callbacks: make([]func(*Config), 0),
		logger:    logger,
		stopCh:    make(chan struct{}),
	}

	if initial.Environment != Development {
		logger.Info("configuration hot reloading disabled",
			zap.String("environment", string(initial.Environment)),
		)
		return w, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = fsWatcher

	if err := w.watchConfigFiles(); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config files: %w", err)
	}

	go w.watchLoop()

	logger.Info("configuration hot reloading enabled",
		zap.String("environment", string(initial.Environment)),
	)
	return w, nil
}

// watchConfigFiles adds the config directory contents to the watcher.
func (w *Watcher) watchConfigFiles() error {
	configDir := getEnv("CONFIG_DIR", "config")

	err := filepath.Walk(configDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip entries we cannot access
		}
		if info.IsDir() || isConfigFile(path) {
			if addErr := w.watcher.Add(path); addErr != nil {
				w.logger.Warn("failed to watch file",
					zap.String("path", path),
					zap.Error(addErr),
				)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk config directory: %w", err)
	}
	return nil
}

// watchLoop monitors file changes and triggers debounced reloads.
func (w *Watcher) watchLoop() {
	defer w.watcher.Close()

	var debounceTimer *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && isConfigFile(event.Name) {
				w.logger.Info("configuration file changed",
					zap.String("file", event.Name),
					zap.String("operation", event.Op.String()),
				)
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

// reload re-runs the loader; an invalid result keeps the previous config.
func (w *Watcher) reload() {
	newConfig, err := Load()
	if err != nil {
		w.logger.Error("invalid configuration after reload, keeping previous",
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	old := w.config
	if reflect.DeepEqual(stripVolatile(old), stripVolatile(newConfig)) {
		w.mu.Unlock()
		w.logger.Debug("configuration unchanged after reload")
		return
	}
	w.reloads++
	newConfig.PipelineVersion = fmt.Sprintf("%s-r%d", newConfig.PipelineVersion, w.reloads)
	w.config = newConfig
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for i, cb := range callbacks {
		go func(idx int, fn func(*Config)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config change callback panicked",
						zap.Int("callback_index", idx),
						zap.Any("panic", r),
					)
				}
			}()
			fn(newConfig)
		}(i, cb)
	}

	w.logger.Info("configuration reloaded",
		zap.String("pipeline_version", newConfig.PipelineVersion),
		zap.Int("callbacks_notified", len(callbacks)),
	)
}

// stripVolatile clears fields that differ between loads without being
// meaningful changes.
func stripVolatile(c *Config) Config {
	clone := *c
	clone.LoadedFrom = nil
	clone.PipelineVersion = ""
	return clone
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

// isConfigFile checks if a file is a configuration file.
func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
