// Package browser describes the navigation surface an authentication session
// drives: the current location, secondary windows and hidden frames.
package browser

import (
	"context"
	"errors"
	"net/url"
)

// Callback holds the authorization response parameters delivered to the
// redirect URI.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// callbackParams are removed from the visible URL once handled.
var callbackParams = []string{"code", "state", "error", "error_description"}

// ParseCallback extracts the authorization response from u. ok is true when
// u carries a state and either a code or an error.
func ParseCallback(u *url.URL) (cb Callback, ok bool) {
	if u == nil {
		return Callback{}, false
	}
	q := u.Query()
	cb = Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	return cb, cb.State != "" && (cb.Code != "" || cb.Error != "")
}

// StripCallback returns a copy of u without authorization response params.
func StripCallback(u *url.URL) *url.URL {
	out := *u
	q := out.Query()
	for _, p := range callbackParams {
		q.Del(p)
	}
	out.RawQuery = q.Encode()
	return &out
}

// Location is the current page address.
type Location interface {
	// Current returns the address of the current page.
	Current() *url.URL
	// Replace rewrites the visible address without navigating.
	Replace(u *url.URL) error
	// Assign navigates away to rawURL.
	Assign(ctx context.Context, rawURL string) error
}

// Window is a secondary window opened on the authorize URL.
type Window interface {
	// Result delivers the callback received by the window, at most once.
	Result() <-chan Callback
	// Closed is closed when the window goes away without a result.
	Closed() <-chan struct{}
	// Close closes the window. It is safe to call more than once.
	Close() error
}

// Opener opens secondary windows.
type Opener interface {
	// RedirectURI is the callback address the opened window reports to.
	RedirectURI() string
	Open(ctx context.Context, authorizeURL string) (Window, error)
}

// Frame loads an authorize URL without user interaction and returns the
// callback it ends on.
type Frame interface {
	RedirectURI() string
	Load(ctx context.Context, authorizeURL string) (Callback, error)
}

// ErrBlocked is returned by an Opener that could not open a window.
var ErrBlocked = errors.New("browser: window could not be opened")
