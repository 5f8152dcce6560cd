// Package tokencache caches access tokens per audience and scope set and
// coalesces concurrent fetches for the same key.
package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/metrics"
	"github.com/ideamans/authsession/pkg/shared/kvs"
	"github.com/ideamans/authsession/pkg/shared/logging"
)

const (
	// DefaultLeeway is how long before expiry a token stops being served.
	DefaultLeeway = 60 * time.Second

	keyPrefix = "token:"
)

// ErrStale is returned by Guard when InvalidateAll ran after the generation
// was read.
var ErrStale = errors.New("tokencache: cache was cleared")

// Fetcher obtains a new token for a key. The context passed to a fetcher is
// not canceled when individual callers give up.
type Fetcher func(ctx context.Context, key Key) (Token, error)

// Options configures a Cache.
type Options struct {
	Leeway  time.Duration
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// Cache is a token cache backed by a kvs.Store.
type Cache struct {
	store   kvs.Store
	leeway  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  logging.Logger
	group   singleflight.Group

	genMu sync.RWMutex
	gen   uint64
}

type generationKey struct{}

// WithGeneration records the cache generation a fetch started under.
func WithGeneration(ctx context.Context, gen uint64) context.Context {
	return context.WithValue(ctx, generationKey{}, gen)
}

// GenerationFrom returns the generation recorded by WithGeneration.
func GenerationFrom(ctx context.Context) (uint64, bool) {
	gen, ok := ctx.Value(generationKey{}).(uint64)
	return gen, ok
}

// New creates a cache over store. Entries are stored as JSON under
// "token:<key>" and expire from the store together with the token.
func New(store kvs.Store, opts Options) *Cache {
	if opts.Leeway < 0 {
		opts.Leeway = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Cache{
		store:   store,
		leeway:  opts.Leeway,
		now:     opts.Now,
		metrics: opts.Metrics,
		logger:  opts.Logger.WithModule("tokencache"),
	}
}

// Leeway returns the configured expiry leeway.
func (c *Cache) Leeway() time.Duration { return c.leeway }

// Get returns a fresh token for key, or ok=false.
func (c *Cache) Get(ctx context.Context, key Key) (Token, bool, error) {
	tok, ok, err := c.Lookup(ctx, key)
	if err != nil || !ok {
		return Token{}, false, err
	}
	if !tok.FreshAt(c.now(), c.leeway) {
		return Token{}, false, nil
	}
	return tok, true, nil
}

// Lookup returns the stored entry for key regardless of expiry. It is used to
// recover refresh tokens.
func (c *Cache) Lookup(ctx context.Context, key Key) (Token, bool, error) {
	data, err := c.store.Get(ctx, keyPrefix+key.String())
	if errors.Is(err, kvs.ErrNotFound) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("tokencache: read %s: %w", key, err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		c.logger.Warn("Discarding unreadable cache entry", "key", key.String(), "error", err)
		_ = c.store.Delete(ctx, keyPrefix+key.String())
		return Token{}, false, nil
	}
	return tok, true, nil
}

// Put stores tok under key. Entries carrying a refresh token are kept in the
// store past the access token's expiry so the refresh token stays reachable.
func (c *Cache) Put(ctx context.Context, key Key, tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("tokencache: encode token: %w", err)
	}
	var ttl time.Duration
	if tok.RefreshToken == "" && !tok.ExpiresAt.IsZero() {
		ttl = tok.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			return nil
		}
	}
	if err := c.store.Set(ctx, keyPrefix+key.String(), data, ttl); err != nil {
		return fmt.Errorf("tokencache: write %s: %w", key, err)
	}
	return nil
}

// Invalidate removes the entry for key.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	if err := c.store.Delete(ctx, keyPrefix+key.String()); err != nil {
		return fmt.Errorf("tokencache: delete %s: %w", key, err)
	}
	return nil
}

// Generation returns the current generation. InvalidateAll starts a new one.
func (c *Cache) Generation() uint64 {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	return c.gen
}

// Guard runs fn if the cache has not been cleared since gen was read, and
// returns ErrStale otherwise. InvalidateAll waits for running guards.
func (c *Cache) Guard(gen uint64, fn func() error) error {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	if c.gen != gen {
		return ErrStale
	}
	return fn()
}

// InvalidateAll removes every cached token and starts a new generation.
// Fetches started before the call complete without storing their token.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.gen++
	n, err := kvs.DeletePrefix(ctx, c.store, keyPrefix)
	if err != nil {
		return fmt.Errorf("tokencache: clear: %w", err)
	}
	c.logger.Debug("Cleared token cache", "entries", n)
	return nil
}

// GetOrFetch returns a fresh cached token or runs fetcher, sharing one
// in-flight fetch between all callers for the same key. On failure the
// entry is removed and every waiter receives the same classified error.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetcher Fetcher) (Token, error) {
	if tok, ok, err := c.Get(ctx, key); err != nil {
		c.logger.Warn("Token cache read failed, fetching", "key", key.String(), "error", err)
	} else if ok {
		c.metrics.CacheHit()
		return tok, nil
	}
	c.metrics.CacheMiss()
	return c.fetch(ctx, key, fetcher, true)
}

// Fetch always runs a fetch, joining one already in flight for key.
func (c *Cache) Fetch(ctx context.Context, key Key, fetcher Fetcher) (Token, error) {
	return c.fetch(ctx, key, fetcher, false)
}

func (c *Cache) fetch(ctx context.Context, key Key, fetcher Fetcher, recheck bool) (Token, error) {
	gen := c.Generation()
	flightCtx := WithGeneration(context.WithoutCancel(ctx), gen)
	ch := c.group.DoChan(fmt.Sprintf("%d|%s", gen, key), func() (any, error) {
		if recheck {
			// another flight may have filled the entry between our miss and now
			if tok, ok, err := c.Get(flightCtx, key); err == nil && ok {
				return tok, nil
			}
		}

		start := time.Now()
		tok, err := fetcher(flightCtx, key)
		if err != nil {
			ae := autherr.Classify(err)
			c.metrics.Fetch(time.Since(start), string(ae.Kind))
			derr := c.Guard(gen, func() error { return c.Invalidate(flightCtx, key) })
			if derr != nil && !errors.Is(derr, ErrStale) {
				c.logger.Warn("Failed to drop cache entry after fetch error", "key", key.String(), "error", derr)
			}
			c.logger.Debug("Token fetch failed", "key", key.String(), "kind", ae.Kind)
			return nil, ae
		}
		c.metrics.Fetch(time.Since(start), "")
		perr := c.Guard(gen, func() error { return c.Put(flightCtx, key, tok) })
		if errors.Is(perr, ErrStale) {
			c.logger.Debug("Dropping token fetched before the cache was cleared", "key", key.String())
			return nil, autherr.New(autherr.KindLoginRequired, "signed out while the token was being fetched")
		}
		if perr != nil {
			c.logger.Warn("Failed to store fetched token", "key", key.String(), "error", perr)
		}
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.Coalesced()
		}
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Token{}, autherr.New(autherr.KindTimeout, "gave up waiting for token")
		}
		return Token{}, autherr.New(autherr.KindUnknown, "token request canceled")
	}
}
