package agent

import (
	"sync"

	"github.com/ideamans/authsession/pkg/authsession"
)

// lease counts the requests using one session. A retired lease accepts no
// new requests; drained closes once the last one has released it.
type lease struct {
	session     *authsession.AuthSession
	unsubscribe func()

	mu      sync.Mutex
	active  int
	retired bool
	drained chan struct{}
}

func newLease(s *authsession.AuthSession, unsubscribe func()) *lease {
	return &lease{session: s, unsubscribe: unsubscribe, drained: make(chan struct{})}
}

func (l *lease) tryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	l.active++
	return true
}

func (l *lease) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	if l.retired && l.active == 0 {
		close(l.drained)
	}
}

// retire stops new acquisitions. Safe to call once.
func (l *lease) retire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retired = true
	if l.active == 0 {
		close(l.drained)
	}
}
