package kvs

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryStore keeps values in a map and sweeps expired items in the
// background. Values do not survive the process.
type MemoryStore struct {
	prefix      string
	items       map[string]*memoryItem
	mu          sync.RWMutex
	closed      bool
	interval    time.Duration
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(prefix string, cfg MemoryConfig) (*MemoryStore, error) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	store := &MemoryStore{
		prefix:      prefix,
		items:       make(map[string]*memoryItem),
		interval:    interval,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go store.cleanupLoop()

	return store, nil
}

func (m *MemoryStore) key(key string) string {
	return m.prefix + key
}

// Get retrieves a copy of the value stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	item, ok := m.items[m.key(key)]
	if !ok || item.expired(time.Now()) {
		return nil, ErrNotFound
	}

	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, nil
}

// Set stores a copy of value.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	item := &memoryItem{value: make([]byte, len(value))}
	copy(item.value, value)
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	m.items[m.key(key)] = item
	return nil
}

// Delete removes a key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.items, m.key(key))
	return nil
}

// Exists checks if a key exists and has not expired.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrClosed
	}
	item, ok := m.items[m.key(key)]
	return ok && !item.expired(time.Now()), nil
}

// List returns all live keys with the given prefix.
func (m *MemoryStore) List(_ context.Context, keyPrefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	full := m.key(keyPrefix)
	now := time.Now()
	var keys []string
	for key, item := range m.items {
		if !strings.HasPrefix(key, full) || item.expired(now) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(key, m.prefix))
	}
	return keys, nil
}

// Count returns the number of live keys with the given prefix.
func (m *MemoryStore) Count(ctx context.Context, prefix string) (int, error) {
	keys, err := m.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close stops the sweeper and drops all items.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCleanup)
	<-m.cleanupDone

	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	now := time.Now()
	for key, item := range m.items {
		if item.expired(now) {
			delete(m.items, key)
		}
	}
}
