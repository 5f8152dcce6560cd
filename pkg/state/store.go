package state

import (
	"slices"
	"sync"

	"github.com/ideamans/authsession/pkg/shared/logging"
)

// Subscriber receives session snapshots.
type Subscriber func(Session)

// Store owns the single Session of an AuthSession. Set is serialized and
// subscribers are notified synchronously, in subscription order, before Set
// returns. Subscribers run outside the snapshot lock and may call Get, but
// must not call Set or Begin.
type Store struct {
	// notifyMu serializes publication so subscribers see snapshots in the
	// order they were applied. mu guards the fields below.
	notifyMu sync.Mutex
	mu       sync.Mutex
	current  Session
	inFlight int
	nextID   uint64
	subs     []subscription
	onChange func(prev, next Session)
	logger   logging.Logger
}

type subscription struct {
	id uint64
	fn Subscriber
}

// NewStore creates a store holding an unauthenticated session.
func NewStore(logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{logger: logger.WithModule("state")}
}

// OnTransition registers a hook invoked with the previous and next snapshot
// whenever the status changes. Used for metrics.
func (s *Store) OnTransition(fn func(prev, next Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Get returns a copy of the current session.
func (s *Store) Get() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Set applies changes atomically and publishes one snapshot.
func (s *Store) Set(changes ...Change) {
	s.update(0, changes)
}

// Begin marks an operation in flight. Loading stays true until every
// operation started with Begin has called its done func. done applies its
// changes in the same snapshot that may clear Loading, and is idempotent.
func (s *Store) Begin(changes ...Change) (done func(...Change)) {
	s.update(1, changes)

	var once sync.Once
	return func(final ...Change) {
		once.Do(func() { s.update(-1, final) })
	}
}

// Subscribe calls fn with the current snapshot and then on every change.
// The returned func removes the subscription and is safe to call twice,
// including from inside fn.
func (s *Store) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	current := s.current.clone()
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// update applies changes and adjusts the in-flight count under mu, then
// notifies with mu released.
func (s *Store) update(delta int, changes []Change) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.inFlight += delta
	prev := s.current
	next := s.current.clone()
	for _, c := range changes {
		if c != nil {
			c(&next)
		}
	}
	next.Loading = s.inFlight > 0
	next.normalize()
	s.current = next
	subs := slices.Clone(s.subs)
	onChange := s.onChange
	s.mu.Unlock()

	if prev.Status() != next.Status() {
		s.logger.Debug("Session status changed", "from", prev.Status(), "to", next.Status())
		if onChange != nil {
			onChange(prev, next)
		}
	}
	for _, sub := range subs {
		sub.fn(next.clone())
	}
}
