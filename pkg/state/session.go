// Package state holds the observable authentication session and notifies
// subscribers of every change.
package state

import "github.com/ideamans/authsession/pkg/autherr"

// Status is the derived, mutually exclusive view of a Session.
type Status string

const (
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
	StatusError           Status = "error"
)

// Session is a snapshot of the authentication state.
type Session struct {
	Authenticated bool           `json:"authenticated"`
	User          UserProfile    `json:"user,omitempty"`
	Loading       bool           `json:"loading"`
	PopupOpen     bool           `json:"popup_open"`
	LastError     *autherr.Error `json:"last_error,omitempty"`
}

// Status derives the single status of the snapshot. Loading wins over any
// terminal status.
func (s Session) Status() Status {
	switch {
	case s.Loading:
		return StatusLoading
	case s.LastError != nil && !s.Authenticated:
		return StatusError
	case s.Authenticated:
		return StatusAuthenticated
	default:
		return StatusUnauthenticated
	}
}

func (s Session) clone() Session {
	out := s
	out.User = s.User.Clone()
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}

func (s *Session) normalize() {
	if s.Authenticated && s.User == nil {
		s.Authenticated = false
	}
	if !s.Authenticated {
		s.User = nil
	}
}

// Change mutates a working copy of the session inside Store.Set.
type Change func(*Session)

// LoggedIn marks the session authenticated as user and clears the last error.
func LoggedIn(user UserProfile) Change {
	u := user.Clone()
	return func(s *Session) {
		s.Authenticated = true
		s.User = u
		s.LastError = nil
	}
}

// LoggedOut clears the user, the authentication flag and the last error.
func LoggedOut() Change {
	return func(s *Session) {
		s.Authenticated = false
		s.User = nil
		s.LastError = nil
	}
}

// Unauthenticated clears the user without touching the last error.
func Unauthenticated() Change {
	return func(s *Session) {
		s.Authenticated = false
		s.User = nil
	}
}

// Failed records err as the last error. Authentication is left as is.
func Failed(err error) Change {
	ae := autherr.Classify(err)
	return func(s *Session) {
		s.LastError = ae
	}
}

// ClearError drops the last error.
func ClearError() Change {
	return func(s *Session) { s.LastError = nil }
}

// WithUser replaces the profile of an authenticated session.
func WithUser(user UserProfile) Change {
	u := user.Clone()
	return func(s *Session) {
		if s.Authenticated && u != nil {
			s.User = u
		}
	}
}

// PopupOpened marks a popup window as open.
func PopupOpened() Change {
	return func(s *Session) { s.PopupOpen = true }
}

// PopupClosed marks the popup window as gone.
func PopupClosed() Change {
	return func(s *Session) { s.PopupOpen = false }
}
