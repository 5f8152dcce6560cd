package popup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/browser"
	"github.com/ideamans/authsession/pkg/exchange"
	"github.com/ideamans/authsession/pkg/provider/providertest"
	"github.com/ideamans/authsession/pkg/shared/kvs"
	"github.com/ideamans/authsession/pkg/shared/logging"
	"github.com/ideamans/authsession/pkg/state"
	"github.com/ideamans/authsession/pkg/tokencache"
	"github.com/ideamans/authsession/pkg/transaction"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeWindow is driven by the test through the behavior func of fakeOpener.
type fakeWindow struct {
	result    chan browser.Callback
	closed    chan struct{}
	closeOnce sync.Once
	closes    int
	mu        sync.Mutex
}

func newFakeWindow() *fakeWindow {
	return &fakeWindow{result: make(chan browser.Callback, 1), closed: make(chan struct{})}
}

func (w *fakeWindow) Result() <-chan browser.Callback { return w.result }
func (w *fakeWindow) Closed() <-chan struct{}         { return w.closed }
func (w *fakeWindow) Close() error {
	w.mu.Lock()
	w.closes++
	w.mu.Unlock()
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func (w *fakeWindow) closeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closes
}

type fakeOpener struct {
	behave func(w *fakeWindow, authorizeURL string)
	err    error
	window *fakeWindow
}

func (o *fakeOpener) RedirectURI() string { return "http://127.0.0.1:9/callback" }

func (o *fakeOpener) Open(_ context.Context, authorizeURL string) (browser.Window, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.window = newFakeWindow()
	if o.behave != nil {
		go o.behave(o.window, authorizeURL)
	}
	return o.window, nil
}

type fixture struct {
	idp        *providertest.Fake
	store      *state.Store
	opener     *fakeOpener
	controller *Controller
	txs        *transaction.Store
	snapshots  []state.Session
	mu         sync.Mutex
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	kv, err := kvs.NewMemoryStore("", kvs.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	f := &fixture{
		idp:    providertest.New(),
		store:  state.NewStore(logging.NewTestLogger()),
		opener: &fakeOpener{},
		txs:    transaction.NewStore(kv, 0),
	}
	completer := exchange.NewCompleter(f.idp, f.txs, tokencache.New(kv, tokencache.Options{}), exchange.NewIntent(kv), logging.NewTestLogger())
	f.controller = New(Config{
		Opener:       f.opener,
		Provider:     f.idp,
		Transactions: f.txs,
		Completer:    completer,
		Store:        f.store,
		Timeout:      timeout,
		Logger:       logging.NewTestLogger(),
	})
	f.store.Subscribe(func(s state.Session) {
		f.mu.Lock()
		f.snapshots = append(f.snapshots, s)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) assertReleased(t *testing.T) {
	t.Helper()
	sess := f.store.Get()
	assert.False(t, sess.PopupOpen, "popupOpen released")
	assert.False(t, sess.Loading, "loading released")
	if f.opener.window != nil {
		assert.GreaterOrEqual(t, f.opener.window.closeCount(), 1, "window closed")
	}
	n, err := f.txs.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no pending transaction left behind")
}

func (f *fixture) sawPopupOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.snapshots {
		if s.PopupOpen && s.Loading {
			return true
		}
	}
	return false
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t, time.Second)
	f.opener.behave = func(w *fakeWindow, u string) { w.result <- f.idp.Approve(u) }

	res, err := f.controller.Login(context.Background(), Options{Audience: "api1", Scopes: []string{"openid"}})
	require.NoError(t, err)
	assert.Equal(t, "user-1", res.User.Subject())

	assert.True(t, f.sawPopupOpen())
	f.assertReleased(t)
	sess := f.store.Get()
	assert.True(t, sess.Authenticated)
	assert.Nil(t, sess.LastError)

	q := f.idp.Authorized()[0]
	assert.Equal(t, "http://127.0.0.1:9/callback", q.Get("redirect_uri"))
	assert.Equal(t, "api1", q.Get("audience"))
}

func TestLogin_UserClosesWindow(t *testing.T) {
	f := newFixture(t, time.Second)
	f.opener.behave = func(w *fakeWindow, _ string) { _ = w.Close() }

	_, err := f.controller.Login(context.Background(), Options{})
	assert.ErrorIs(t, err, autherr.ErrPopupClosed)
	f.assertReleased(t)
	assert.Equal(t, autherr.KindPopupClosed, f.store.Get().LastError.Kind)
}

func TestLogin_Timeout(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	start := time.Now()
	_, err := f.controller.Login(context.Background(), Options{})
	assert.ErrorIs(t, err, autherr.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	f.assertReleased(t)
}

func TestLogin_OptionTimeoutOverrides(t *testing.T) {
	f := newFixture(t, time.Hour)
	_, err := f.controller.Login(context.Background(), Options{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, autherr.ErrTimeout)
	f.assertReleased(t)
}

func TestLogin_ExchangeFails(t *testing.T) {
	f := newFixture(t, time.Second)
	f.idp.SetExchangeErr(&autherr.ProviderError{Code: "server_error"})
	f.opener.behave = func(w *fakeWindow, u string) { w.result <- f.idp.Approve(u) }

	_, err := f.controller.Login(context.Background(), Options{})
	assert.ErrorIs(t, err, autherr.ErrNetwork)
	f.assertReleased(t)
	sess := f.store.Get()
	assert.False(t, sess.Authenticated)
	assert.Equal(t, autherr.KindNetworkError, sess.LastError.Kind)
}

func TestLogin_ProviderDenies(t *testing.T) {
	f := newFixture(t, time.Second)
	f.opener.behave = func(w *fakeWindow, u string) { w.result <- providertest.Deny(u, "access_denied") }

	_, err := f.controller.Login(context.Background(), Options{})
	assert.ErrorIs(t, err, autherr.ErrAccessDenied)
	f.assertReleased(t)
}

func TestLogin_StateMismatch(t *testing.T) {
	f := newFixture(t, time.Second)
	f.opener.behave = func(w *fakeWindow, _ string) {
		w.result <- browser.Callback{Code: "c", State: "not-ours"}
	}

	_, err := f.controller.Login(context.Background(), Options{})
	assert.ErrorIs(t, err, autherr.ErrInvalidState)
	assert.Zero(t, f.idp.Exchanges())
	f.assertReleased(t)
}

func TestLogin_Blocked(t *testing.T) {
	f := newFixture(t, time.Second)
	f.opener.err = browser.ErrBlocked

	_, err := f.controller.Login(context.Background(), Options{})
	assert.ErrorIs(t, err, autherr.ErrPopupClosed)
	f.assertReleased(t)
}

func TestLogin_OpenFailsOtherwise(t *testing.T) {
	f := newFixture(t, time.Second)
	f.opener.err = errors.New("display unavailable")

	_, err := f.controller.Login(context.Background(), Options{})
	assert.ErrorIs(t, err, autherr.ErrUnknown)
	f.assertReleased(t)
}

func TestLogin_ContextDeadlineAndCancel(t *testing.T) {
	f := newFixture(t, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.controller.Login(ctx, Options{})
	assert.ErrorIs(t, err, autherr.ErrTimeout)
	f.assertReleased(t)

	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel2()
	}()
	_, err = f.controller.Login(ctx2, Options{})
	assert.ErrorIs(t, err, autherr.ErrPopupClosed)
	f.assertReleased(t)
}

func TestLogin_NoOpener(t *testing.T) {
	c := New(Config{Store: state.NewStore(nil)})
	_, err := c.Login(context.Background(), Options{})
	assert.ErrorIs(t, err, autherr.ErrPopupClosed)
}
