// Package providertest provides an in-memory IdentityProvider for tests.
package providertest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/browser"
	"github.com/ideamans/authsession/pkg/provider"
	"github.com/ideamans/authsession/pkg/state"
	"github.com/ideamans/authsession/pkg/tokencache"
)

// Fake is a scriptable provider.IdentityProvider. Codes are minted by
// Approve; tokens are opaque numbered strings.
type Fake struct {
	mu sync.Mutex

	// User returned in ID tokens. Default: sub "user-1".
	User state.UserProfile
	// Lifetime of issued access tokens. Default: 1h.
	Lifetime time.Duration
	Now      func() time.Time

	// Error hooks, consulted before the default behavior.
	ExchangeErr error
	RefreshErr  error
	// RefreshIssuesIDToken makes refresh responses carry a new ID token.
	RefreshIssuesIDToken bool
	// Delay applied to ExchangeCode and Refresh.
	Delay time.Duration

	seq        int
	codes      map[string]string // code -> nonce
	idTokens   map[string]idToken
	refresh    map[string]bool
	exchanges  int
	refreshes  int
	authorized []url.Values
}

type idToken struct {
	nonce string
	user  state.UserProfile
}

var _ provider.IdentityProvider = (*Fake)(nil)

// New creates a fake with defaults.
func New() *Fake {
	return &Fake{
		User:     state.UserProfile{"sub": "user-1", "email": "user-1@example.com", "name": "User One"},
		Lifetime: time.Hour,
		Now:      time.Now,
		codes:    map[string]string{},
		idTokens: map[string]idToken{},
		refresh:  map[string]bool{},
	}
}

func (f *Fake) AuthorizeURL(p provider.AuthorizeParams) string {
	q := url.Values{}
	q.Set("state", p.State)
	q.Set("nonce", p.Nonce)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("scope", strings.Join(p.Scopes, " "))
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("audience", p.Audience)
	set("prompt", p.Prompt)
	set("screen_hint", p.ScreenHint)
	set("connection", p.Connection)
	set("response_mode", p.ResponseMode)

	f.mu.Lock()
	f.authorized = append(f.authorized, q)
	f.mu.Unlock()
	return "https://idp.test/authorize?" + q.Encode()
}

// Approve simulates the user consenting on authorizeURL. It returns the
// callback the provider would send.
func (f *Fake) Approve(authorizeURL string) browser.Callback {
	u, err := url.Parse(authorizeURL)
	if err != nil {
		panic(err)
	}
	q := u.Query()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	code := fmt.Sprintf("code-%d", f.seq)
	f.codes[code] = q.Get("nonce")
	return browser.Callback{Code: code, State: q.Get("state")}
}

// Deny returns an error callback for authorizeURL.
func Deny(authorizeURL, errCode string) browser.Callback {
	u, _ := url.Parse(authorizeURL)
	return browser.Callback{State: u.Query().Get("state"), Error: errCode, ErrorDescription: errCode}
}

// Authorized returns the query of every authorize URL built so far.
func (f *Fake) Authorized() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.authorized...)
}

func (f *Fake) ExchangeCode(ctx context.Context, code, _, _ string) (tokencache.Token, error) {
	if err := f.wait(ctx); err != nil {
		return tokencache.Token{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	if f.ExchangeErr != nil {
		return tokencache.Token{}, f.ExchangeErr
	}
	nonce, ok := f.codes[code]
	if !ok {
		return tokencache.Token{}, &autherr.ProviderError{Code: "invalid_grant", Description: "Invalid authorization code"}
	}
	delete(f.codes, code)
	return f.issueLocked(nonce, true), nil
}

func (f *Fake) Refresh(ctx context.Context, refreshToken string) (tokencache.Token, error) {
	if err := f.wait(ctx); err != nil {
		return tokencache.Token{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.RefreshErr != nil {
		return tokencache.Token{}, f.RefreshErr
	}
	if !f.refresh[refreshToken] {
		return tokencache.Token{}, &autherr.ProviderError{Code: "invalid_grant", Description: "Unknown or invalid refresh token."}
	}
	tok := f.issueLocked("", f.RefreshIssuesIDToken)
	tok.RefreshToken = refreshToken
	return tok, nil
}

func (f *Fake) issueLocked(nonce string, withIDToken bool) tokencache.Token {
	f.seq++
	tok := tokencache.Token{
		AccessToken:  fmt.Sprintf("at-%d", f.seq),
		RefreshToken: fmt.Sprintf("rt-%d", f.seq),
		TokenType:    "Bearer",
		ExpiresAt:    f.Now().Add(f.Lifetime),
	}
	f.refresh[tok.RefreshToken] = true
	if withIDToken {
		tok.IDToken = fmt.Sprintf("id-%d", f.seq)
		f.idTokens[tok.IDToken] = idToken{nonce: nonce, user: f.User.Clone()}
	}
	return tok
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) IDTokenClaims(_ context.Context, raw, nonce string) (state.UserProfile, error) {
	if raw == "" {
		return nil, provider.ErrNoIDToken
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.idTokens[raw]
	if !ok {
		return nil, fmt.Errorf("providertest: unknown id token %q", raw)
	}
	if nonce != "" && tok.nonce != nonce {
		return nil, autherr.New(autherr.KindInvalidState, "id token nonce mismatch")
	}
	return tok.user.Clone(), nil
}

func (f *Fake) UserInfo(context.Context, string) (state.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.User.Clone(), nil
}

func (f *Fake) LogoutURL(returnTo string) string {
	return "https://idp.test/v2/logout?" + url.Values{"returnTo": {returnTo}}.Encode()
}

// Exchanges counts ExchangeCode calls.
func (f *Fake) Exchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges
}

// Refreshes counts Refresh calls.
func (f *Fake) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// SetUser replaces the user for tokens issued from now on.
func (f *Fake) SetUser(u state.UserProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.User = u
}

// SetExchangeErr sets ExchangeErr under the lock.
func (f *Fake) SetExchangeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExchangeErr = err
}

// SetRefreshErr sets RefreshErr under the lock.
func (f *Fake) SetRefreshErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshErr = err
}
