package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/shared/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(logging.NewTestLogger())
}

func TestStore_InitialSession(t *testing.T) {
	s := newTestStore(t)
	got := s.Get()
	assert.False(t, got.Authenticated)
	assert.Nil(t, got.User)
	assert.Equal(t, StatusUnauthenticated, got.Status())
}

func TestStore_SubscribeReplaysAndNotifiesInOrder(t *testing.T) {
	s := newTestStore(t)

	var order []string
	var first []Session
	s.Subscribe(func(sess Session) {
		order = append(order, "a")
		first = append(first, sess)
	})
	s.Subscribe(func(Session) { order = append(order, "b") })

	require.Len(t, first, 1)
	assert.Equal(t, StatusUnauthenticated, first[0].Status())

	s.Set(LoggedIn(UserProfile{"sub": "u1"}))

	assert.Equal(t, []string{"a", "b", "a", "b"}, order)
	require.Len(t, first, 2)
	assert.Equal(t, "u1", first[1].User.Subject())
}

func TestStore_Unsubscribe(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	unsubscribe := s.Subscribe(func(Session) { calls++ })
	unsubscribe()
	unsubscribe()

	s.Set(PopupOpened())
	assert.Equal(t, 1, calls)
}

func TestStore_SubscriberMayReadSession(t *testing.T) {
	s := newTestStore(t)

	var seen []bool
	s.Subscribe(func(sess Session) {
		assert.Equal(t, sess.Authenticated, s.Get().Authenticated)
		seen = append(seen, s.Get().Authenticated)
	})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		s.Set(LoggedIn(UserProfile{"sub": "u1"}))
		done := s.Begin()
		done(LoggedOut())
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber reading the session blocked the store")
	}
	assert.Equal(t, []bool{false, true, true, false}, seen)
}

func TestStore_UnsubscribeFromCallback(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	var unsubscribe func()
	unsubscribe = s.Subscribe(func(sess Session) {
		calls++
		if sess.PopupOpen {
			unsubscribe()
		}
	})

	s.Set(PopupOpened())
	s.Set(PopupClosed())
	assert.Equal(t, 2, calls)
}

func TestStore_NormalizesUnauthenticatedUser(t *testing.T) {
	s := newTestStore(t)
	s.Set(LoggedIn(UserProfile{"sub": "u1"}))
	s.Set(func(sess *Session) { sess.Authenticated = false })

	got := s.Get()
	assert.Nil(t, got.User)

	s.Set(func(sess *Session) { sess.Authenticated = true })
	got = s.Get()
	assert.False(t, got.Authenticated, "authenticated without a user is invalid")
}

func TestStore_SnapshotsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	user := UserProfile{"sub": "u1", "roles": []any{"admin"}, "meta": map[string]any{"a": "b"}}
	s.Set(LoggedIn(user))

	user["sub"] = "mutated"
	snap := s.Get()
	snap.User["sub"] = "mutated"
	snap.User["roles"].([]any)[0] = "mutated"
	snap.User["meta"].(map[string]any)["a"] = "mutated"

	got := s.Get()
	assert.Equal(t, "u1", got.User.Subject())
	assert.Equal(t, "admin", got.User["roles"].([]any)[0])
	assert.Equal(t, "b", got.User["meta"].(map[string]any)["a"])
}

func TestStore_BeginTracksLoading(t *testing.T) {
	s := newTestStore(t)

	var statuses []Status
	s.Subscribe(func(sess Session) { statuses = append(statuses, sess.Status()) })

	done1 := s.Begin()
	done2 := s.Begin()
	assert.True(t, s.Get().Loading)

	done1(Failed(autherr.ErrTimeout))
	assert.True(t, s.Get().Loading, "still loading while another operation is in flight")
	assert.Equal(t, StatusLoading, s.Get().Status())

	done2(LoggedIn(UserProfile{"sub": "u1"}))
	done2(LoggedOut())

	got := s.Get()
	assert.False(t, got.Loading)
	assert.True(t, got.Authenticated)
	assert.Nil(t, got.LastError)
	assert.Equal(t, StatusAuthenticated, got.Status())

	for _, st := range statuses[1 : len(statuses)-1] {
		assert.Equal(t, StatusLoading, st)
	}
}

func TestStore_LoadingAndTerminalAreExclusive(t *testing.T) {
	s := newTestStore(t)
	s.Set(LoggedIn(UserProfile{"sub": "u1"}))
	done := s.Begin()
	assert.Equal(t, StatusLoading, s.Get().Status())
	done()
	assert.Equal(t, StatusAuthenticated, s.Get().Status())
}

func TestSession_Status(t *testing.T) {
	tests := []struct {
		name string
		sess Session
		want Status
	}{
		{"empty", Session{}, StatusUnauthenticated},
		{"loading wins", Session{Loading: true, LastError: autherr.ErrTimeout}, StatusLoading},
		{"error", Session{LastError: autherr.ErrAccessDenied}, StatusError},
		{"authenticated", Session{Authenticated: true, User: UserProfile{"sub": "x"}}, StatusAuthenticated},
		{"authenticated with token error", Session{Authenticated: true, User: UserProfile{"sub": "x"}, LastError: autherr.ErrLoginRequired}, StatusAuthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sess.Status())
		})
	}
}

func TestChanges(t *testing.T) {
	s := newTestStore(t)

	s.Set(Failed(&autherr.ProviderError{Code: "access_denied"}))
	assert.Equal(t, autherr.KindAccessDenied, s.Get().LastError.Kind)

	s.Set(ClearError())
	assert.Nil(t, s.Get().LastError)

	s.Set(WithUser(UserProfile{"sub": "ignored"}))
	assert.Nil(t, s.Get().User, "WithUser does not authenticate")

	s.Set(LoggedIn(UserProfile{"sub": "u1"}), WithUser(UserProfile{"sub": "u2", "email": "u2@example.com"}))
	assert.Equal(t, "u2@example.com", s.Get().User.Email())

	s.Set(PopupOpened())
	assert.True(t, s.Get().PopupOpen)
	s.Set(PopupClosed())
	assert.False(t, s.Get().PopupOpen)

	s.Set(Failed(autherr.ErrLoginRequired), LoggedOut())
	got := s.Get()
	assert.False(t, got.Authenticated)
	assert.Nil(t, got.LastError)
}

func TestStore_OnTransition(t *testing.T) {
	s := newTestStore(t)
	var transitions [][2]Status
	s.OnTransition(func(prev, next Session) {
		transitions = append(transitions, [2]Status{prev.Status(), next.Status()})
	})

	done := s.Begin()
	done(LoggedIn(UserProfile{"sub": "u1"}))
	s.Set(PopupOpened())

	assert.Equal(t, [][2]Status{
		{StatusUnauthenticated, StatusLoading},
		{StatusLoading, StatusAuthenticated},
	}, transitions)
}

func TestStore_ConcurrentSetPublishesInCompletionOrder(t *testing.T) {
	s := newTestStore(t)

	var mu sync.Mutex
	var seen []bool
	s.Subscribe(func(sess Session) {
		mu.Lock()
		seen = append(seen, sess.Loading)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := s.Begin()
			done()
		}()
	}
	wg.Wait()

	assert.False(t, s.Get().Loading)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 101)
	assert.False(t, seen[len(seen)-1])
}

func TestUserProfileAccessors(t *testing.T) {
	p := UserProfile{"sub": "auth0|1", "email": "a@example.com", "name": "A", "picture": "https://p", "n": 3}
	assert.Equal(t, "auth0|1", p.Subject())
	assert.Equal(t, "a@example.com", p.Email())
	assert.Equal(t, "A", p.Name())
	assert.Equal(t, "https://p", p.Picture())
	v, ok := p.Claim("n")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Nil(t, UserProfile(nil).Clone())
}
