// Package kvs is the key-value storage used for everything that must
// outlive a single AuthSession: cached tokens (persistent cache location),
// pending authorize transactions and the remembered login intent.
//
// Backends: Memory (volatile), LevelDB (local file) and Redis (shared).
package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is a key-value store interface that supports TTL and basic operations.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists and has not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all live keys with the given prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Count returns the number of live keys with the given prefix.
	Count(ctx context.Context, prefix string) (int, error)

	// Close releases resources. Later calls return ErrClosed.
	Close() error
}

var (
	// ErrNotFound is returned when a key is not found or has expired.
	ErrNotFound = errors.New("kvs: key not found")

	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("kvs: store is closed")
)

// Config selects and configures a backend.
type Config struct {
	// Type is "memory" (default), "leveldb" or "redis".
	Type string `yaml:"type" json:"type" env:"TYPE"`

	// Namespace isolates this store's keys inside a shared backend.
	Namespace string `yaml:"namespace" json:"namespace" env:"NAMESPACE"`

	Memory  MemoryConfig  `yaml:"memory" json:"memory" envPrefix:"MEMORY_"`
	LevelDB LevelDBConfig `yaml:"leveldb" json:"leveldb" envPrefix:"LEVELDB_"`
	Redis   RedisConfig   `yaml:"redis" json:"redis" envPrefix:"REDIS_"`
}

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	// CleanupInterval is how often expired keys are swept. Default: 5m.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// LevelDBConfig configures the LevelDB store.
type LevelDBConfig struct {
	// Path is the database directory. Empty means the user cache dir.
	Path string `yaml:"path" json:"path" env:"PATH"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes" env:"SYNC_WRITES"`

	// CleanupInterval is how often expired keys are swept. Default: 5m.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" env:"ADDR"`
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
}

const defaultCleanupInterval = 5 * time.Minute

// New creates a store for cfg.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(cfg.Namespace, cfg.Memory)
	case "leveldb":
		return NewLevelDBStore(cfg.Namespace, cfg.LevelDB)
	case "redis":
		return NewRedisStore(cfg.Namespace, cfg.Redis)
	default:
		return nil, fmt.Errorf("kvs: unsupported store type: %q", cfg.Type)
	}
}

// DeletePrefix removes every key with the given prefix and returns how many
// keys were removed.
func DeletePrefix(ctx context.Context, store Store, prefix string) (int, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
