// Package config provides configuration watching and hot-reload functionality
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

// DefaultDebounce coalesces bursts of writes into one reload
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches configuration files for changes and provides hot-reload functionality
type Watcher struct {
	// Configuration file path
	configFile string

	// Configuration loader
	loader *Loader

	// Current configuration
	config   *Config
	configMu sync.RWMutex

	// File system watcher
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	logger    *slog.Logger

	// Event callbacks
	callbacks   []ConfigChangeCallback
	callbacksMu sync.RWMutex

	// Serializes reloads
	reloadMu sync.Mutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for goroutines
	wg sync.WaitGroup
}

// ConfigChangeCallback is called when configuration changes
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// WatcherOptions configures a Watcher
type WatcherOptions struct {
	// Debounce delays a reload after the last write. Zero selects DefaultDebounce.
	Debounce time.Duration

	// Logger receives reload diagnostics. Nil selects slog.Default().
	Logger *slog.Logger
}

// NewWatcher creates a new configuration watcher and loads the file once
func NewWatcher(configFile string, loader *Loader, opts WatcherOptions) (*Watcher, error) {
	if _, ok := formatOf(configFile); !ok {
		return nil, fmt.Errorf("%w: unsupported config file format %q", ErrConfigWatchError, filepath.Ext(configFile))
	}
	abs, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigWatchError, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// Load initial configuration
	config, err := loader.LoadFromFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigWatchError, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		configFile: abs,
		loader:     loader,
		config:     config,
		fsWatcher:  fsWatcher,
		debounce:   opts.Debounce,
		logger:     opts.Logger.With("config_file", abs),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start starts watching the configuration file. The parent directory is
// watched so editors that replace the file by rename are still seen.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configFile)); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigWatchError, err)
	}

	w.wg.Add(1)
	go w.watchLoop()

	return nil
}

// Stop stops watching the configuration file
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// File returns the absolute path being watched
func (w *Watcher) File() string {
	return w.configFile
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnConfigChange registers a callback for configuration changes
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload manually reloads the configuration
func (w *Watcher) Reload() error {
	return w.reloadConfig()
}

// watchLoop watches for file system events
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configFile {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if w.ctx.Err() != nil {
						return
					}
					if err := w.reloadConfig(); err != nil {
						w.logger.Warn("config reload failed, keeping previous", "error", err)
					}
				})
			} else if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Info("config file removed or renamed")
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// reloadConfig reloads the configuration from file
func (w *Watcher) reloadConfig() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	newConfig, err := w.loader.LoadFromFile(w.configFile)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.notifyCallbacks(oldConfig, newConfig)

	w.logger.Info("configuration reloaded")
	return nil
}

// notifyCallbacks runs callbacks in registration order
func (w *Watcher) notifyCallbacks(oldConfig, newConfig *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ConfigChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config change callback panicked", "panic", r)
				}
			}()
			callback(oldConfig, newConfig)
		}()
	}
}
