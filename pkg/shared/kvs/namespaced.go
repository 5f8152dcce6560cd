package kvs

import (
	"context"
	"strings"
	"time"
)

// NamespacedStore prefixes every key so several logical stores (tokens,
// transactions, intent) can share one backend:
//
//	base, _ := kvs.New(cfg)
//	tokens := kvs.NewNamespacedStore(base, "token:")
//	txs := kvs.NewNamespacedStore(base, "tx:")
type NamespacedStore struct {
	store  Store
	prefix string
}

// NewNamespacedStore wraps store. An empty prefix returns store unchanged.
func NewNamespacedStore(store Store, prefix string) Store {
	if prefix == "" {
		return store
	}
	return &NamespacedStore{store: store, prefix: prefix}
}

// Get retrieves a value by key.
func (n *NamespacedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, n.prefix+key)
}

// Set stores a value with optional TTL.
func (n *NamespacedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.store.Set(ctx, n.prefix+key, value, ttl)
}

// Delete removes a key.
func (n *NamespacedStore) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.prefix+key)
}

// Exists checks if a key exists.
func (n *NamespacedStore) Exists(ctx context.Context, key string) (bool, error) {
	return n.store.Exists(ctx, n.prefix+key)
}

// List returns matching keys with the namespace removed.
func (n *NamespacedStore) List(ctx context.Context, keyPrefix string) ([]string, error) {
	keys, err := n.store.List(ctx, n.prefix+keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = strings.TrimPrefix(key, n.prefix)
	}
	return out, nil
}

// Count returns the number of matching keys.
func (n *NamespacedStore) Count(ctx context.Context, prefix string) (int, error) {
	return n.store.Count(ctx, n.prefix+prefix)
}

// Close is a no-op: the base store is owned by whoever created it, and
// closing one namespace must not close its siblings.
func (n *NamespacedStore) Close() error {
	return nil
}
