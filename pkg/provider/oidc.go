package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/shared/logging"
	"github.com/ideamans/authsession/pkg/state"
	"github.com/ideamans/authsession/pkg/tokencache"
)

// DefaultTokenLifetime is assumed when neither the token response nor the
// access token carries an expiry.
const DefaultTokenLifetime = time.Hour

// Config configures an OIDC provider client.
type Config struct {
	// BaseURL of the identity provider, e.g. https://tenant.auth0.com
	BaseURL  string
	ClientID string
	// ClientSecret is empty for public clients, which authenticate with PKCE
	// only.
	ClientSecret string
	// Discovery loads endpoints and signing keys from
	// BaseURL/.well-known/openid-configuration.
	Discovery bool

	HTTPClient *http.Client
	Now        func() time.Time
	Logger     logging.Logger
}

// OIDC implements IdentityProvider with golang.org/x/oauth2, optionally
// backed by OIDC discovery.
type OIDC struct {
	oauth          oauth2.Config
	issuer         *oidc.Provider
	verifier       *oidc.IDTokenVerifier
	userInfoURL    string
	logoutURL      string
	discoveredExit bool
	httpClient     *http.Client
	now            func() time.Time
	logger         logging.Logger
}

// New creates a provider client. With discovery enabled it fetches the
// provider metadata and fails if it cannot.
func New(ctx context.Context, cfg Config) (*OIDC, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("provider: base URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("provider: client ID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	p := &OIDC{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/authorize",
				TokenURL: base + "/oauth/token",
			},
		},
		userInfoURL: base + "/userinfo",
		logoutURL:   base + "/v2/logout",
		httpClient:  cfg.HTTPClient,
		now:         cfg.Now,
		logger:      cfg.Logger.WithModule("provider"),
	}
	if cfg.ClientSecret == "" {
		p.oauth.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	if cfg.Discovery {
		issuer, err := oidc.NewProvider(p.context(ctx), base+"/")
		if err != nil {
			// Auth0 issuers end with a slash, most others do not
			issuer, err = oidc.NewProvider(p.context(ctx), base)
		}
		if err != nil {
			return nil, fmt.Errorf("provider: discovery failed: %w", err)
		}

		var meta struct {
			UserInfoURL string `json:"userinfo_endpoint"`
			EndSession  string `json:"end_session_endpoint"`
		}
		if err := issuer.Claims(&meta); err != nil {
			return nil, fmt.Errorf("provider: decode discovery document: %w", err)
		}

		endpoint := issuer.Endpoint()
		endpoint.AuthStyle = p.oauth.Endpoint.AuthStyle
		p.oauth.Endpoint = endpoint
		p.issuer = issuer
		p.verifier = issuer.Verifier(&oidc.Config{ClientID: cfg.ClientID, Now: cfg.Now})
		p.userInfoURL = meta.UserInfoURL
		if meta.EndSession != "" {
			p.logoutURL = meta.EndSession
			p.discoveredExit = true
		}
		p.logger.Debug("Loaded provider metadata", "authorize", endpoint.AuthURL, "token", endpoint.TokenURL)
	}

	return p, nil
}

func (p *OIDC) context(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// AuthorizeURL builds an authorization-code + PKCE (S256) request URL.
func (p *OIDC) AuthorizeURL(params AuthorizeParams) string {
	c := p.oauth
	c.RedirectURL = params.RedirectURI
	c.Scopes = params.Scopes

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(params.CodeVerifier)}
	add := func(name, value string) {
		if value != "" {
			opts = append(opts, oauth2.SetAuthURLParam(name, value))
		}
	}
	add("nonce", params.Nonce)
	add("audience", params.Audience)
	add("prompt", params.Prompt)
	add("screen_hint", params.ScreenHint)
	add("connection", params.Connection)
	add("response_mode", params.ResponseMode)
	for k, v := range params.Extra {
		add(k, v)
	}
	return c.AuthCodeURL(params.State, opts...)
}

// ExchangeCode redeems an authorization code with its PKCE verifier.
func (p *OIDC) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (tokencache.Token, error) {
	c := p.oauth
	c.RedirectURL = redirectURI
	tok, err := c.Exchange(p.context(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return tokencache.Token{}, fmt.Errorf("provider: exchange code: %w", err)
	}
	return p.convert(tok), nil
}

// Refresh runs the refresh_token grant. The provider may rotate the refresh
// token; the previous one is kept when it does not.
func (p *OIDC) Refresh(ctx context.Context, refreshToken string) (tokencache.Token, error) {
	if refreshToken == "" {
		return tokencache.Token{}, autherr.New(autherr.KindLoginRequired, "missing refresh token")
	}
	src := p.oauth.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return tokencache.Token{}, fmt.Errorf("provider: refresh token: %w", err)
	}
	return p.convert(tok), nil
}

func (p *OIDC) convert(tok *oauth2.Token) tokencache.Token {
	out := tokencache.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = p.accessTokenExpiry(tok.AccessToken)
	}
	return out
}

// accessTokenExpiry reads exp from a JWT access token, falling back to
// DefaultTokenLifetime for opaque tokens.
func (p *OIDC) accessTokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return p.now().Add(DefaultTokenLifetime)
}

// IDTokenClaims decodes idToken. With discovery the token is verified;
// otherwise its payload is decoded without verification, as the token came
// straight from the token endpoint over TLS.
func (p *OIDC) IDTokenClaims(ctx context.Context, idToken, nonce string) (state.UserProfile, error) {
	if idToken == "" {
		return nil, ErrNoIDToken
	}

	claims := map[string]any{}
	if p.verifier != nil {
		verified, err := p.verifier.Verify(p.oidcContext(ctx), idToken)
		if err != nil {
			return nil, autherr.Newf(autherr.KindInvalidState, "id token verification failed: %v", err)
		}
		if err := verified.Claims(&claims); err != nil {
			return nil, fmt.Errorf("provider: decode id token claims: %w", err)
		}
	} else {
		mc := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(idToken, mc); err != nil {
			return nil, fmt.Errorf("provider: decode id token: %w", err)
		}
		claims = mc
	}

	if nonce != "" {
		if got, _ := claims["nonce"].(string); got != nonce {
			return nil, autherr.New(autherr.KindInvalidState, "id token nonce mismatch")
		}
	}
	for _, k := range []string{"nonce", "iss", "aud", "exp", "iat", "nbf", "azp", "at_hash", "c_hash", "sid", "auth_time"} {
		delete(claims, k)
	}
	return state.UserProfile(claims), nil
}

// UserInfo fetches the profile for accessToken.
func (p *OIDC) UserInfo(ctx context.Context, accessToken string) (state.UserProfile, error) {
	if p.issuer != nil && p.userInfoURL != "" {
		info, err := p.issuer.UserInfo(p.oidcContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
		if err != nil {
			return nil, fmt.Errorf("provider: userinfo: %w", err)
		}
		claims := map[string]any{}
		if err := info.Claims(&claims); err != nil {
			return nil, fmt.Errorf("provider: decode userinfo: %w", err)
		}
		return state.UserProfile(claims), nil
	}
	if p.userInfoURL == "" {
		return nil, ErrUserInfoUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	client := p.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: userinfo: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, autherr.New(autherr.KindLoginRequired, "userinfo rejected the access token")
	case resp.StatusCode >= 500:
		return nil, autherr.Newf(autherr.KindNetworkError, "userinfo returned %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("provider: userinfo returned %s", resp.Status)
	}

	claims := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("provider: decode userinfo: %w", err)
	}
	return state.UserProfile(claims), nil
}

func (p *OIDC) oidcContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, p.httpClient)
}

// LogoutURL returns the provider logout address. Discovered
// end_session_endpoints use the RP-initiated logout parameter names.
func (p *OIDC) LogoutURL(returnTo string) string {
	q := url.Values{}
	q.Set("client_id", p.oauth.ClientID)
	if returnTo != "" {
		if p.discoveredExit {
			q.Set("post_logout_redirect_uri", returnTo)
		} else {
			q.Set("returnTo", returnTo)
		}
	}
	sep := "?"
	if strings.Contains(p.logoutURL, "?") {
		sep = "&"
	}
	return p.logoutURL + sep + q.Encode()
}
