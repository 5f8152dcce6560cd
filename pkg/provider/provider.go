// Package provider talks to the OAuth2 / OpenID Connect identity provider:
// authorize URLs, code exchange, refresh, identity claims and logout.
package provider

import (
	"context"
	"errors"

	"github.com/ideamans/authsession/pkg/state"
	"github.com/ideamans/authsession/pkg/tokencache"
)

var (
	// ErrNoIDToken is returned when a code exchange yields no ID token.
	ErrNoIDToken = errors.New("provider: no id_token in token response")

	// ErrUserInfoUnavailable is returned when neither discovery nor the
	// conventional endpoint can serve userinfo.
	ErrUserInfoUnavailable = errors.New("provider: userinfo endpoint unavailable")
)

// AuthorizeParams are the per-request parameters of an authorize URL.
type AuthorizeParams struct {
	State        string
	Nonce        string
	CodeVerifier string
	RedirectURI  string
	Audience     string
	Scopes       []string

	// Optional
	Prompt       string
	ScreenHint   string
	Connection   string
	ResponseMode string
	Extra        map[string]string
}

// IdentityProvider is the subset of the provider protocol the session needs.
type IdentityProvider interface {
	AuthorizeURL(p AuthorizeParams) string
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (tokencache.Token, error)
	Refresh(ctx context.Context, refreshToken string) (tokencache.Token, error)
	// IDTokenClaims decodes the ID token. A non-empty nonce must match the
	// token's nonce claim.
	IDTokenClaims(ctx context.Context, idToken, nonce string) (state.UserProfile, error)
	UserInfo(ctx context.Context, accessToken string) (state.UserProfile, error)
	LogoutURL(returnTo string) string
}
