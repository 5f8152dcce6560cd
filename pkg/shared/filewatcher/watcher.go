// Package filewatcher reports debounced changes to a single file.
package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Path      string
	Timestamp time.Time
	Error     error // set when the underlying watcher reported an error
}

// Listener receives change events. Listeners are called one at a time from
// the watcher goroutine.
type Listener func(event ChangeEvent)

// Watcher watches the directory containing the target file, so editors that
// save through rename-and-replace keep being observed.
type Watcher struct {
	watcher       *fsnotify.Watcher
	filePath      string
	debounceDelay time.Duration

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a watcher for filePath with the given debounce delay.
func New(filePath string, debounceDelay time.Duration) (*Watcher, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("filewatcher: failed to get absolute path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatcher: failed to create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("filewatcher: failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	return &Watcher{
		watcher:       fsWatcher,
		filePath:      absPath,
		debounceDelay: debounceDelay,
	}, nil
}

// AddListener registers a listener.
func (w *Watcher) AddListener(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// Start blocks until ctx is done or the watcher is closed.
func (w *Watcher) Start(ctx context.Context) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("filewatcher: events channel closed")
			}
			eventPath, err := filepath.Abs(event.Name)
			if err != nil || eventPath != w.filePath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = eventPath
			if timer == nil {
				timer = time.NewTimer(w.debounceDelay)
			} else {
				timer.Reset(w.debounceDelay)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.notify(ChangeEvent{Path: pending, Timestamp: time.Now()})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("filewatcher: errors channel closed")
			}
			w.notify(ChangeEvent{Path: w.filePath, Timestamp: time.Now(), Error: err})
		}
	}
}

// Close stops the watcher and releases resources
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) notify(event ChangeEvent) {
	w.mu.RLock()
	listeners := make([]Listener, len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}
