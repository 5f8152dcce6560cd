package tokencache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/metrics"
	"github.com/ideamans/authsession/pkg/shared/kvs"
	"github.com/ideamans/authsession/pkg/shared/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, clock *fakeClock) (*Cache, *prometheus.Registry) {
	t.Helper()
	store, err := kvs.NewMemoryStore("", kvs.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	return New(store, Options{
		Leeway:  DefaultLeeway,
		Now:     clock.Now,
		Metrics: m,
		Logger:  logging.NewTestLogger(),
	}), reg
}

func TestNewKey_NormalizesScopes(t *testing.T) {
	a := NewKey("api", "read:x openid", "profile", "openid")
	b := NewKey("api", "profile read:x", "openid")

	assert.Equal(t, a, b)
	assert.Equal(t, []string{"openid", "profile", "read:x"}, a.Scopes)
	assert.Equal(t, "api::openid profile read:x", a.String())
	assert.NotEqual(t, a.String(), NewKey("other", "openid profile read:x").String())
	assert.True(t, a.HasScopes(NewKey("api", "openid")))
	assert.False(t, a.HasScopes(NewKey("api", "write:x")))
}

func TestKey_StringSeparatesAudienceFromScope(t *testing.T) {
	assert.NotEqual(t, NewKey("a", "b::c").String(), NewKey("a::b", "c").String())
	assert.NotEqual(t, NewKey("a%3A", "x").String(), NewKey("a:", "x").String())
	assert.Equal(t, "https%3A//api.example.com::openid", NewKey("https://api.example.com", "openid").String())
}

func TestCache_InvalidateAllDropsInFlightFetch(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()
	key := NewKey("api", "openid")

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetcher := func(ctx context.Context, k Key) (Token, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return Token{AccessToken: "before-clear", ExpiresAt: clock.Now().Add(time.Hour)}, nil
		}
		return Token{AccessToken: "after-clear", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, key, fetcher)
		errc <- err
	}()
	<-started
	require.NoError(t, c.InvalidateAll(ctx))

	// a caller arriving after the clear does not join the old flight
	tok, err := c.GetOrFetch(ctx, key, fetcher)
	require.NoError(t, err)
	assert.Equal(t, "after-clear", tok.AccessToken)

	close(release)
	err = <-errc
	assert.ErrorIs(t, err, autherr.ErrLoginRequired)

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "after-clear", got.AccessToken, "the stale token did not overwrite the new entry")
}

func TestCache_Guard(t *testing.T) {
	c, _ := newTestCache(t, newFakeClock())
	gen := c.Generation()

	ran := false
	require.NoError(t, c.Guard(gen, func() error { ran = true; return nil }))
	assert.True(t, ran)

	require.NoError(t, c.InvalidateAll(context.Background()))
	assert.ErrorIs(t, c.Guard(gen, func() error {
		t.Fatal("guarded func ran after the cache was cleared")
		return nil
	}), ErrStale)
	assert.NoError(t, c.Guard(c.Generation(), func() error { return nil }))
}

func TestCache_ServesFreshEntryWithoutFetching(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()
	key := NewKey("api", "openid")

	require.NoError(t, c.Put(ctx, key, Token{AccessToken: "tok-A", ExpiresAt: clock.Now().Add(time.Hour)}))

	tok, err := c.GetOrFetch(ctx, key, func(context.Context, Key) (Token, error) {
		t.Fatal("fetcher must not be called for a fresh entry")
		return Token{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-A", tok.AccessToken)
}

func TestCache_ExpiryLeeway(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()
	key := NewKey("api", "openid")
	expiresAt := clock.Now().Add(10 * time.Minute)
	require.NoError(t, c.Put(ctx, key, Token{AccessToken: "tok", ExpiresAt: expiresAt}))

	// one second before the leeway boundary
	clock.Advance(expiresAt.Sub(clock.Now()) - DefaultLeeway - time.Second)
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	// one second past it
	clock.Advance(2 * time.Second)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// the raw entry is still reachable for its refresh token
	stored, ok, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", stored.AccessToken)
}

func TestCache_SingleFlightSuccess(t *testing.T) {
	clock := newFakeClock()
	c, reg := newTestCache(t, clock)
	key := NewKey("api", "openid profile")

	var calls atomic.Int32
	release := make(chan struct{})
	fetcher := func(ctx context.Context, k Key) (Token, error) {
		calls.Add(1)
		<-release
		return Token{AccessToken: "tok-A", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Token, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), key, fetcher)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-A", results[i].AccessToken)
	}
	assert.Equal(t, 1, countFetches(t, reg))

	// later calls are served from the cache
	tok, err := c.GetOrFetch(context.Background(), key, fetcher)
	require.NoError(t, err)
	assert.Equal(t, "tok-A", tok.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_SingleFlightFailure(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()
	key := NewKey("api", "openid")

	// an expired entry that the failing fetch must discard
	require.NoError(t, c.Put(ctx, key, Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: clock.Now().Add(-time.Minute)}))

	var calls atomic.Int32
	release := make(chan struct{})
	fetcher := func(context.Context, Key) (Token, error) {
		calls.Add(1)
		<-release
		return Token{}, &autherr.ProviderError{Code: "invalid_grant", Description: "revoked"}
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(ctx, key, fetcher)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, autherr.ErrAccessDenied)
		assert.Same(t, errs[0], err)
	}

	_, ok, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "entry is removed after a failed fetch")
}

func TestCache_DifferentKeysFetchIndependently(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)

	var calls atomic.Int32
	fetcher := func(_ context.Context, k Key) (Token, error) {
		calls.Add(1)
		return Token{AccessToken: k.Audience, ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}

	a, err := c.GetOrFetch(context.Background(), NewKey("a", "openid"), fetcher)
	require.NoError(t, err)
	b, err := c.GetOrFetch(context.Background(), NewKey("b", "openid"), fetcher)
	require.NoError(t, err)

	assert.Equal(t, "a", a.AccessToken)
	assert.Equal(t, "b", b.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_WaiterDeadlineDoesNotCancelFetch(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	key := NewKey("api", "openid")

	release := make(chan struct{})
	fetchCtxErr := make(chan error, 1)
	fetcher := func(ctx context.Context, _ Key) (Token, error) {
		<-release
		fetchCtxErr <- ctx.Err()
		return Token{AccessToken: "late", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetOrFetch(ctx, key, fetcher)
	assert.ErrorIs(t, err, autherr.ErrTimeout)

	close(release)
	assert.NoError(t, <-fetchCtxErr)

	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(context.Background(), key)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCache_WaiterCancel(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)

	release := make(chan struct{})
	done := make(chan struct{})
	fetcher := func(context.Context, Key) (Token, error) {
		defer close(done)
		<-release
		return Token{}, errors.New("boom")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.GetOrFetch(ctx, NewKey("api"), fetcher)
	assert.ErrorIs(t, err, autherr.ErrUnknown)

	close(release)
	<-done
}

func TestCache_FetchBypassesFreshEntry(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()
	key := NewKey("api", "openid")
	require.NoError(t, c.Put(ctx, key, Token{AccessToken: "cached", ExpiresAt: clock.Now().Add(time.Hour)}))

	tok, err := c.Fetch(ctx, key, func(context.Context, Key) (Token, error) {
		return Token{AccessToken: "forced", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "forced", tok.AccessToken)

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "forced", got.AccessToken)
}

func TestCache_InvalidateAll(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()

	for _, aud := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(ctx, NewKey(aud, "openid"), Token{AccessToken: aud, ExpiresAt: clock.Now().Add(time.Hour)}))
	}
	require.NoError(t, c.store.Set(ctx, "intent:authenticated", []byte("1"), 0))

	require.NoError(t, c.InvalidateAll(ctx))

	for _, aud := range []string{"a", "b", "c"} {
		_, ok, err := c.Lookup(ctx, NewKey(aud, "openid"))
		require.NoError(t, err)
		assert.False(t, ok)
	}
	exists, err := c.store.Exists(ctx, "intent:authenticated")
	require.NoError(t, err)
	assert.True(t, exists, "only token entries are removed")
}

func TestCache_UnreadableEntryIsDiscarded(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()
	key := NewKey("api")
	require.NoError(t, c.store.Set(ctx, keyPrefix+key.String(), []byte("{not json"), 0))

	_, ok, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func countFetches(t *testing.T, reg *prometheus.Registry) int {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "authsession_token_cache_fetches_total" {
			return int(mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	return 0
}

func TestCache_Metrics(t *testing.T) {
	clock := newFakeClock()
	c, reg := newTestCache(t, clock)
	ctx := context.Background()
	key := NewKey("api")

	_, err := c.GetOrFetch(ctx, key, func(context.Context, Key) (Token, error) {
		return Token{AccessToken: "x", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	})
	require.NoError(t, err)
	_, err = c.GetOrFetch(ctx, key, nil)
	require.NoError(t, err)

	expected := `
# HELP authsession_token_cache_hits_total Token requests served from a fresh cache entry
# TYPE authsession_token_cache_hits_total counter
authsession_token_cache_hits_total 1
# HELP authsession_token_cache_misses_total Token requests that found no fresh cache entry
# TYPE authsession_token_cache_misses_total counter
authsession_token_cache_misses_total 1
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"authsession_token_cache_hits_total", "authsession_token_cache_misses_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, countFetches(t, reg))
}
