package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/idptest"
	"github.com/ideamans/authsession/pkg/shared/logging"
)

const redirectURI = "http://127.0.0.1:1/callback"

func newProvider(t *testing.T, idp *idptest.Server, discovery bool) *OIDC {
	t.Helper()
	p, err := New(context.Background(), Config{
		BaseURL:   idp.URL,
		ClientID:  idp.ClientID,
		Discovery: discovery,
		Logger:    logging.NewTestLogger(),
	})
	require.NoError(t, err)
	return p
}

// login runs the authorize step in a browser and returns the code.
func login(t *testing.T, p *OIDC, verifier, nonce string) string {
	t.Helper()
	authURL := p.AuthorizeURL(AuthorizeParams{
		State:        "st-1",
		Nonce:        nonce,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		Audience:     "https://api.example.com",
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
	})
	landed, err := idptest.NewBrowser().Visit(context.Background(), authURL)
	require.NoError(t, err)
	require.Equal(t, "st-1", landed.Query().Get("state"))
	code := landed.Query().Get("code")
	require.NotEmpty(t, code, landed.String())
	return code
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{ClientID: "x"})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{BaseURL: "https://idp.example.com"})
	assert.Error(t, err)
}

func TestAuthorizeURL(t *testing.T) {
	p, err := New(context.Background(), Config{BaseURL: "https://tenant.example.com/", ClientID: "cid"})
	require.NoError(t, err)

	raw := p.AuthorizeURL(AuthorizeParams{
		State:        "s",
		Nonce:        "n",
		CodeVerifier: "verifier-123",
		RedirectURI:  "https://app.example.com/cb",
		Audience:     "https://api",
		Scopes:       []string{"openid", "profile"},
		Prompt:       "none",
		ScreenHint:   "signup",
		Connection:   "github",
		ResponseMode: "query",
		Extra:        map[string]string{"ui_locales": "ja"},
	})
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "tenant.example.com", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	q := u.Query()
	sum := sha256.Sum256([]byte("verifier-123"))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "openid profile", q.Get("scope"))
	for k, v := range map[string]string{
		"state": "s", "nonce": "n", "audience": "https://api", "prompt": "none",
		"screen_hint": "signup", "connection": "github", "response_mode": "query",
		"ui_locales": "ja", "redirect_uri": "https://app.example.com/cb",
	} {
		assert.Equal(t, v, q.Get(k), k)
	}
}

func TestExchangeAndClaims_Conventions(t *testing.T) {
	idp := idptest.New(idptest.Options{})
	defer idp.Close()
	p := newProvider(t, idp, false)

	verifier := oauth2.GenerateVerifier()
	code := login(t, p, verifier, "nonce-1")

	tok, err := p.ExchangeCode(context.Background(), code, verifier, redirectURI)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.IDToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)

	user, err := p.IDTokenClaims(context.Background(), tok.IDToken, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, "auth0|user-1", user.Subject())
	assert.Equal(t, "user@example.com", user.Email())
	_, hasNonce := user.Claim("nonce")
	assert.False(t, hasNonce)

	_, err = p.IDTokenClaims(context.Background(), tok.IDToken, "other-nonce")
	assert.ErrorIs(t, err, autherr.ErrInvalidState)

	info, err := p.UserInfo(context.Background(), tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "Test User", info.Name())
}

func TestExchange_WrongVerifier(t *testing.T) {
	idp := idptest.New(idptest.Options{})
	defer idp.Close()
	p := newProvider(t, idp, false)

	code := login(t, p, oauth2.GenerateVerifier(), "")
	_, err := p.ExchangeCode(context.Background(), code, oauth2.GenerateVerifier(), redirectURI)
	require.Error(t, err)
	assert.Equal(t, autherr.KindAccessDenied, autherr.KindOf(err))
}

func TestRefresh(t *testing.T) {
	idp := idptest.New(idptest.Options{})
	defer idp.Close()
	p := newProvider(t, idp, false)

	verifier := oauth2.GenerateVerifier()
	tok, err := p.ExchangeCode(context.Background(), login(t, p, verifier, ""), verifier, redirectURI)
	require.NoError(t, err)

	refreshed, err := p.Refresh(context.Background(), tok.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, tok.AccessToken, refreshed.AccessToken)
	assert.Equal(t, tok.RefreshToken, refreshed.RefreshToken, "refresh token is kept when not rotated")

	idp.RevokeRefreshTokens()
	_, err = p.Refresh(context.Background(), tok.RefreshToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, autherr.ErrAccessDenied)

	_, err = p.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, autherr.ErrLoginRequired)
}

func TestRefresh_ServerError(t *testing.T) {
	idp := idptest.New(idptest.Options{})
	defer idp.Close()
	p := newProvider(t, idp, false)

	idp.SetTokenError("temporarily_unavailable")
	_, err := p.Refresh(context.Background(), "anything")
	require.Error(t, err)
	ae := autherr.Classify(err)
	assert.Equal(t, autherr.KindNetworkError, ae.Kind)
	assert.True(t, ae.Retryable)
}

func TestDiscovery_VerifiesIDToken(t *testing.T) {
	idp := idptest.New(idptest.Options{WithEndSession: true})
	defer idp.Close()
	p := newProvider(t, idp, true)

	verifier := oauth2.GenerateVerifier()
	tok, err := p.ExchangeCode(context.Background(), login(t, p, verifier, "n-2"), verifier, redirectURI)
	require.NoError(t, err)

	user, err := p.IDTokenClaims(context.Background(), tok.IDToken, "n-2")
	require.NoError(t, err)
	assert.Equal(t, "auth0|user-1", user.Subject())

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": idp.Issuer(), "aud": idp.ClientID, "sub": "evil", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = p.IDTokenClaims(context.Background(), forged, "")
	assert.ErrorIs(t, err, autherr.ErrInvalidState)

	info, err := p.UserInfo(context.Background(), tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", info.Email())

	logout, err := url.Parse(p.LogoutURL("https://app.example.com/"))
	require.NoError(t, err)
	assert.Equal(t, "/oidc/logout", logout.Path)
	assert.Equal(t, "https://app.example.com/", logout.Query().Get("post_logout_redirect_uri"))
}

func TestDiscovery_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New(context.Background(), Config{BaseURL: srv.URL, ClientID: "c", Discovery: true})
	assert.Error(t, err)
}

func TestLogoutURL_Conventions(t *testing.T) {
	p, err := New(context.Background(), Config{BaseURL: "https://tenant.example.com", ClientID: "cid"})
	require.NoError(t, err)

	u, err := url.Parse(p.LogoutURL("https://app.example.com/bye"))
	require.NoError(t, err)
	assert.Equal(t, "/v2/logout", u.Path)
	assert.Equal(t, "cid", u.Query().Get("client_id"))
	assert.Equal(t, "https://app.example.com/bye", u.Query().Get("returnTo"))
}

func TestAccessTokenExpiryFallback(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := New(context.Background(), Config{BaseURL: "https://idp", ClientID: "c", Now: func() time.Time { return now }})
	require.NoError(t, err)

	assert.Equal(t, now.Add(DefaultTokenLifetime), p.accessTokenExpiry("opaque-token"))

	exp := now.Add(20 * time.Minute)
	jwtToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, exp.Unix(), p.accessTokenExpiry(jwtToken).Unix())
}

func TestIDTokenClaims_Empty(t *testing.T) {
	p, err := New(context.Background(), Config{BaseURL: "https://idp", ClientID: "c"})
	require.NoError(t, err)
	_, err = p.IDTokenClaims(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNoIDToken)
}

func TestUserInfo_Unauthorized(t *testing.T) {
	idp := idptest.New(idptest.Options{})
	defer idp.Close()
	p := newProvider(t, idp, false)

	_, err := p.UserInfo(context.Background(), "bogus")
	assert.ErrorIs(t, err, autherr.ErrLoginRequired)
}
