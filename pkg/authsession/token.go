package authsession

import (
	"context"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/popup"
	"github.com/ideamans/authsession/pkg/provider"
	"github.com/ideamans/authsession/pkg/state"
	"github.com/ideamans/authsession/pkg/tokencache"
	"github.com/ideamans/authsession/pkg/transaction"
)

// CacheMode controls how GetAccessTokenSilently uses the cache.
type CacheMode string

const (
	// CacheModeOn serves fresh cached tokens and fetches otherwise.
	CacheModeOn CacheMode = "on"
	// CacheModeOff always fetches.
	CacheModeOff CacheMode = "off"
	// CacheModeOnly never fetches.
	CacheModeOnly CacheMode = "cache-only"
)

// errSignedOut reports a request overtaken by Logout.
var errSignedOut = autherr.New(autherr.KindLoginRequired, "signed out while the token was being fetched")

type tokenOptions struct {
	cacheMode CacheMode
}

// TokenOption customizes GetAccessTokenSilently.
type TokenOption func(*tokenOptions)

// WithCacheMode sets the cache mode. Default: CacheModeOn.
func WithCacheMode(mode CacheMode) TokenOption {
	return func(o *tokenOptions) { o.cacheMode = mode }
}

// GetAccessTokenSilently returns a token for audience and scopes without
// user interaction. Concurrent calls for the same audience and scopes share
// one provider request. Errors are *autherr.Error values; a provider that
// needs the user (login_required, consent_required, interaction_required)
// is reported, never retried.
func (s *AuthSession) GetAccessTokenSilently(ctx context.Context, audience string, scopes []string, opts ...TokenOption) (tokencache.Token, error) {
	o := tokenOptions{cacheMode: CacheModeOn}
	for _, opt := range opts {
		opt(&o)
	}
	key := s.key(audience, scopes)

	switch o.cacheMode {
	case CacheModeOnly:
		tok, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("Token cache read failed", "key", key.String(), "error", err)
		}
		if !ok {
			return tokencache.Token{}, autherr.New(autherr.KindLoginRequired, "no cached token for "+key.String())
		}
		s.metrics.CacheHit()
		return tok, nil
	case CacheModeOn:
		if tok, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			s.metrics.CacheHit()
			return tok, nil
		}
	case CacheModeOff:
	default:
		return tokencache.Token{}, autherr.Newf(autherr.KindUnknown, "unsupported cache mode %q", o.cacheMode)
	}

	gen := s.cache.Generation()
	done := s.store.Begin()
	var (
		tok tokencache.Token
		err error
	)
	if o.cacheMode == CacheModeOff {
		tok, err = s.cache.Fetch(ctx, key, s.fetchToken)
	} else {
		tok, err = s.cache.GetOrFetch(ctx, key, s.fetchToken)
	}
	if s.cache.Generation() != gen {
		done()
		return tokencache.Token{}, errSignedOut
	}
	if err != nil {
		ae := autherr.Classify(err)
		s.logger.Debug("Silent token request failed", "key", key.String(), "kind", ae.Kind)
		done(state.Failed(ae))
		return tokencache.Token{}, ae
	}

	changes := []state.Change{state.ClearError()}
	if tok.IDToken != "" {
		if user, perr := s.completer.Profile(ctx, tok, ""); perr == nil {
			changes = append(changes, state.LoggedIn(user))
		} else {
			s.logger.Warn("Could not read identity from renewed tokens", "error", perr)
		}
	}
	done(changes...)
	return tok, nil
}

// GetAccessTokenWithPopup obtains a token for audience and scopes through a
// popup, for when silent renewal needs consent or interaction.
func (s *AuthSession) GetAccessTokenWithPopup(ctx context.Context, audience string, scopes []string) (tokencache.Token, error) {
	key := s.key(audience, scopes)
	res, err := s.popup.Login(ctx, popup.Options{Audience: key.Audience, Scopes: key.Scopes})
	if err != nil {
		return tokencache.Token{}, err
	}
	return res.Token, nil
}

// fetchToken is the silent fetcher handed to the token cache. It does not
// touch the session state.
func (s *AuthSession) fetchToken(ctx context.Context, key tokencache.Key) (tokencache.Token, error) {
	if s.cfg.UseRefreshTokens {
		return s.fetchWithRefreshToken(ctx, key)
	}
	return s.fetchWithFrame(ctx, key)
}

func (s *AuthSession) fetchWithRefreshToken(ctx context.Context, key tokencache.Key) (tokencache.Token, error) {
	candidates := []tokencache.Key{key}
	if fallback := tokencache.NewKey(key.Audience, s.cfg.DefaultScope); fallback.String() != key.String() {
		candidates = append(candidates, fallback)
	}

	var refreshToken string
	for _, k := range candidates {
		stored, ok, err := s.cache.Lookup(ctx, k)
		if err != nil {
			s.logger.Warn("Token cache read failed", "key", k.String(), "error", err)
			continue
		}
		if ok && stored.RefreshToken != "" {
			refreshToken = stored.RefreshToken
			break
		}
	}
	if refreshToken == "" {
		return tokencache.Token{}, autherr.New(autherr.KindLoginRequired, "missing refresh token")
	}

	tok, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return tokencache.Token{}, autherr.Classify(err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (s *AuthSession) fetchWithFrame(ctx context.Context, key tokencache.Key) (tokencache.Token, error) {
	frame := s.deps.Frame
	if frame == nil {
		return tokencache.Token{}, autherr.New(autherr.KindLoginRequired, "silent authentication is unavailable")
	}

	tx, err := s.txs.Create(ctx, transaction.Options{
		RedirectURI: frame.RedirectURI(),
		Audience:    key.Audience,
		Scopes:      key.Scopes,
	})
	if err != nil {
		return tokencache.Token{}, autherr.New(autherr.KindUnknown, "pending login could not be stored")
	}

	authURL := s.provider.AuthorizeURL(provider.AuthorizeParams{
		State:        tx.State,
		Nonce:        tx.Nonce,
		CodeVerifier: tx.CodeVerifier,
		RedirectURI:  tx.RedirectURI,
		Audience:     key.Audience,
		Scopes:       key.Scopes,
		Prompt:       "none",
		ResponseMode: "query",
	})

	cb, err := frame.Load(ctx, authURL)
	if err != nil {
		_ = s.txs.Discard(ctx, tx.State)
		return tokencache.Token{}, autherr.Classify(err)
	}
	if cb.State != tx.State {
		_ = s.txs.Discard(ctx, tx.State)
		return tokencache.Token{}, autherr.Classify(&autherr.ProviderError{Code: "state_mismatch", Description: "silent authentication returned an unexpected state"})
	}

	res, err := s.completer.Complete(ctx, cb)
	if err != nil {
		return tokencache.Token{}, err
	}
	return res.Token, nil
}
