package kvs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lderrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore persists values in a LevelDB directory. Every value is
// stored as [8 byte big-endian expiry in unix nanos, 0 = never][payload].
type LevelDBStore struct {
	prefix      string
	db          *leveldb.DB
	writeOpts   *opt.WriteOptions
	closed      bool
	mu          sync.RWMutex
	interval    time.Duration
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewLevelDBStore opens (or creates) the database at cfg.Path.
func NewLevelDBStore(prefix string, cfg LevelDBConfig) (*LevelDBStore, error) {
	dbPath := cfg.Path
	if dbPath == "" {
		dbPath = defaultLevelDBPath(prefix)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("kvs/leveldb: failed to create directory: %w", err)
	}

	db, err := leveldb.OpenFile(dbPath, &opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.SnappyCompression,
	})
	if err != nil {
		var corrupted *lderrors.ErrCorrupted
		if errors.As(err, &corrupted) {
			db, err = leveldb.RecoverFile(dbPath, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("kvs/leveldb: failed to open database at %s: %w", dbPath, err)
		}
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	store := &LevelDBStore{
		prefix:      prefix,
		db:          db,
		writeOpts:   &opt.WriteOptions{Sync: cfg.SyncWrites},
		interval:    interval,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go store.cleanupLoop()

	return store, nil
}

func defaultLevelDBPath(prefix string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	name := "authsession"
	if prefix != "" {
		name += "-" + strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
				return r
			}
			return '-'
		}, prefix)
	}
	return filepath.Join(base, name)
}

func (l *LevelDBStore) key(key string) []byte {
	return []byte(l.prefix + key)
}

func (l *LevelDBStore) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func encodeValue(value []byte, ttl time.Duration) []byte {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	encoded := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(encoded[:8], uint64(expiresAt))
	copy(encoded[8:], value)
	return encoded
}

// decodeValue returns the payload and whether it has expired.
func decodeValue(encoded []byte, now time.Time) ([]byte, bool, error) {
	if len(encoded) < 8 {
		return nil, false, errors.New("kvs/leveldb: invalid encoded value (too short)")
	}
	expiresAt := int64(binary.BigEndian.Uint64(encoded[:8]))
	if expiresAt > 0 && now.UnixNano() >= expiresAt {
		return nil, true, nil
	}
	return encoded[8:], false, nil
}

// Get retrieves a value by key.
func (l *LevelDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	encoded, err := l.db.Get(l.key(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvs/leveldb: get failed: %w", err)
	}

	value, expired, err := decodeValue(encoded, time.Now())
	if err != nil {
		return nil, err
	}
	if expired {
		_ = l.Delete(ctx, key)
		return nil, ErrNotFound
	}
	return value, nil
}

// Set stores a value with optional TTL.
func (l *LevelDBStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if l.isClosed() {
		return ErrClosed
	}
	if err := l.db.Put(l.key(key), encodeValue(value, ttl), l.writeOpts); err != nil {
		return fmt.Errorf("kvs/leveldb: set failed: %w", err)
	}
	return nil
}

// Delete removes a key.
func (l *LevelDBStore) Delete(_ context.Context, key string) error {
	if l.isClosed() {
		return ErrClosed
	}
	if err := l.db.Delete(l.key(key), l.writeOpts); err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("kvs/leveldb: delete failed: %w", err)
	}
	return nil
}

// Exists checks if a key exists and has not expired.
func (l *LevelDBStore) Exists(_ context.Context, key string) (bool, error) {
	if l.isClosed() {
		return false, ErrClosed
	}

	encoded, err := l.db.Get(l.key(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("kvs/leveldb: exists check failed: %w", err)
	}
	_, expired, err := decodeValue(encoded, time.Now())
	if err != nil {
		return false, err
	}
	return !expired, nil
}

// List returns all live keys with the given prefix.
func (l *LevelDBStore) List(_ context.Context, keyPrefix string) ([]string, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	iter := l.db.NewIterator(util.BytesPrefix(l.key(keyPrefix)), nil)
	defer iter.Release()

	now := time.Now()
	var keys []string
	for iter.Next() {
		if _, expired, err := decodeValue(iter.Value(), now); err != nil || expired {
			continue
		}
		keys = append(keys, strings.TrimPrefix(string(iter.Key()), l.prefix))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("kvs/leveldb: iteration failed: %w", err)
	}
	return keys, nil
}

// Count returns the number of live keys with the given prefix.
func (l *LevelDBStore) Count(ctx context.Context, prefix string) (int, error) {
	keys, err := l.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close stops the sweeper and closes the database.
func (l *LevelDBStore) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopCleanup)
	<-l.cleanupDone

	if err := l.db.Close(); err != nil {
		return fmt.Errorf("kvs/leveldb: close failed: %w", err)
	}
	return nil
}

func (l *LevelDBStore) cleanupLoop() {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCleanup:
			return
		}
	}
}

// sweep deletes expired keys under this store's prefix in one batch.
func (l *LevelDBStore) sweep() {
	if l.isClosed() {
		return
	}

	iter := l.db.NewIterator(util.BytesPrefix([]byte(l.prefix)), nil)
	now := time.Now()
	batch := new(leveldb.Batch)
	for iter.Next() {
		if _, expired, err := decodeValue(iter.Value(), now); err == nil && expired {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()

	if batch.Len() > 0 {
		_ = l.db.Write(batch, nil)
	}
}
