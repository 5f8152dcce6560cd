// Package watcher reloads the configuration file when it changes on disk.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ideamans/authsession/pkg/config"
	"github.com/ideamans/authsession/pkg/shared/filewatcher"
	"github.com/ideamans/authsession/pkg/shared/logging"
)

// DefaultDebounce collapses bursts of writes into one reload.
const DefaultDebounce = 100 * time.Millisecond

// Reloader applies a new configuration.
type Reloader interface {
	Reload(cfg *config.Config) error
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(cfg *config.Config) error

func (f ReloaderFunc) Reload(cfg *config.Config) error { return f(cfg) }

// ConfigWatcher watches the configuration file and hands changed
// configurations to a Reloader.
type ConfigWatcher struct {
	loader       config.Loader
	target       Reloader
	configPath   string
	debounce     time.Duration
	logger       logging.Logger
	reloadNotify chan struct{}

	mu       sync.Mutex
	lastHash string
}

// WatcherConfig contains the configuration for creating a ConfigWatcher
type WatcherConfig struct {
	Loader     config.Loader
	Target     Reloader
	ConfigPath string
	// Initial is the configuration in effect; unchanged files are not
	// reloaded.
	Initial  *config.Config
	Debounce time.Duration
	Logger   logging.Logger
	// ReloadNotify is notified after each reload attempt, if set.
	ReloadNotify chan struct{}
}

// New creates a new ConfigWatcher with the given configuration.
func New(cfg WatcherConfig) (*ConfigWatcher, error) {
	if cfg.Loader == nil {
		return nil, errors.New("watcher: loader is required")
	}
	if cfg.Target == nil {
		return nil, errors.New("watcher: reload target is required")
	}
	if cfg.ConfigPath == "" {
		return nil, errors.New("watcher: config path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	w := &ConfigWatcher{
		loader:       cfg.Loader,
		target:       cfg.Target,
		configPath:   cfg.ConfigPath,
		debounce:     cfg.Debounce,
		logger:       cfg.Logger.WithModule("watcher"),
		reloadNotify: cfg.ReloadNotify,
	}
	if cfg.Initial != nil {
		hash, err := configHash(cfg.Initial)
		if err != nil {
			return nil, fmt.Errorf("watcher: hash initial config: %w", err)
		}
		w.lastHash = hash
	}
	return w, nil
}

// Watch blocks until ctx is done.
func (w *ConfigWatcher) Watch(ctx context.Context) error {
	fw, err := filewatcher.New(w.configPath, w.debounce)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fw.Close()

	fw.AddListener(func(ev filewatcher.ChangeEvent) {
		if ev.Error != nil {
			w.logger.Error("File watch error", "error", ev.Error)
			return
		}
		w.checkAndReload()
	})

	w.logger.Info("Watching configuration file", "path", w.configPath)
	err = fw.Start(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.logger.Info("Configuration watch stopped")
		return nil
	}
	return err
}

func (w *ConfigWatcher) checkAndReload() {
	if w.reloadNotify != nil {
		defer func() {
			select {
			case w.reloadNotify <- struct{}{}:
			default:
			}
		}()
	}

	newConfig, err := w.loader.Load()
	if err != nil {
		w.logger.Error("Failed to load configuration, keeping the current one", "error", err)
		return
	}
	hash, err := configHash(newConfig)
	if err != nil {
		w.logger.Error("Failed to hash configuration", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if hash == w.lastHash {
		w.logger.Debug("Configuration unchanged")
		return
	}
	if err := w.target.Reload(newConfig); err != nil {
		w.logger.Error("Failed to apply configuration", "error", err)
		return
	}
	w.lastHash = hash
	w.logger.Info("Configuration reloaded")
}

func configHash(cfg *config.Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
