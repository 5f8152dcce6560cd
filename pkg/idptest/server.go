// Package idptest runs an in-process OAuth2 / OpenID Connect identity
// provider for tests. It implements the authorization code grant with PKCE,
// the refresh token grant, prompt=none, userinfo, logout and discovery.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionCookie = "idp_session"
	keyID         = "idptest-key"
)

// Options configures a Server.
type Options struct {
	ClientID string
	// User claims placed in ID tokens and userinfo. Default: a fixed test user.
	User map[string]any
	// TokenLifetime of issued access tokens. Default: 1h.
	TokenLifetime time.Duration
	// WithEndSession advertises an end_session_endpoint in discovery.
	WithEndSession bool
}

// Server is a fake identity provider.
type Server struct {
	*httptest.Server

	ClientID string

	key  *rsa.PrivateKey
	opts Options

	mu            sync.Mutex
	user          map[string]any
	codes         map[string]grant
	refreshTokens map[string]grant
	sessions      map[string]bool
	tokenError    string
	tokenDelay    time.Duration
	lastAuthorize url.Values

	tokenRequests atomic.Int32
}

type grant struct {
	ClientID      string
	RedirectURI   string
	Challenge     string
	Nonce         string
	Audience      string
	Scope         string
	IssuedAt      time.Time
	Subject       string
	SessionCookie string
}

// New starts a server. Call Close when done.
func New(opts Options) *Server {
	if opts.ClientID == "" {
		opts.ClientID = "test-client"
	}
	if opts.TokenLifetime == 0 {
		opts.TokenLifetime = time.Hour
	}
	if opts.User == nil {
		opts.User = map[string]any{
			"sub":   "auth0|user-1",
			"email": "user@example.com",
			"name":  "Test User",
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("idptest: generate key: " + err.Error())
	}

	s := &Server{
		ClientID:      opts.ClientID,
		key:           key,
		opts:          opts,
		user:          opts.User,
		codes:         map[string]grant{},
		refreshTokens: map[string]grant{},
		sessions:      map[string]bool{},
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/authorize", s.handleAuthorize)
	r.Post("/oauth/token", s.handleToken)
	r.Get("/userinfo", s.handleUserInfo)
	r.Get("/v2/logout", s.handleLogout)
	r.Get("/oidc/logout", s.handleLogout)
	s.Server = httptest.NewServer(r)
	return s
}

// Issuer is the issuer identifier, with a trailing slash.
func (s *Server) Issuer() string { return s.URL + "/" }

// SetTokenError makes the token endpoint answer every request with the
// given OAuth2 error code. An empty code restores normal behavior.
func (s *Server) SetTokenError(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenError = code
}

// SetTokenDelay delays every token endpoint response.
func (s *Server) SetTokenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDelay = d
}

// SetUser replaces the user claims for tokens issued from now on.
func (s *Server) SetUser(user map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// TokenRequests counts token endpoint calls.
func (s *Server) TokenRequests() int { return int(s.tokenRequests.Load()) }

// LastAuthorize returns the query of the most recent authorize request.
func (s *Server) LastAuthorize() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuthorize
}

// EndSessions forgets every provider session, as if the user signed out
// elsewhere.
func (s *Server) EndSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]bool{}
}

// RevokeRefreshTokens invalidates every issued refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = map[string]grant{}
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"issuer":                                s.Issuer(),
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/oauth/token",
		"userinfo_endpoint":                     s.URL + "/userinfo",
		"jwks_uri":                              s.URL + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if s.opts.WithEndSession {
		doc["end_session_endpoint"] = s.URL + "/oidc/logout"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := s.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": keyID,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.lastAuthorize = q
	s.mu.Unlock()

	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != s.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}

	reply := func(params url.Values) {
		params.Set("state", q.Get("state"))
		target.RawQuery = params.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	}

	if q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		reply(url.Values{"error": {"invalid_request"}, "error_description": {"PKCE S256 is required"}})
		return
	}

	cookie, _ := r.Cookie(sessionCookie)
	s.mu.Lock()
	loggedIn := cookie != nil && s.sessions[cookie.Value]
	s.mu.Unlock()

	if q.Get("prompt") == "none" && !loggedIn {
		reply(url.Values{"error": {"login_required"}, "error_description": {"Login required"}})
		return
	}

	sid := ""
	if loggedIn {
		sid = cookie.Value
	} else {
		sid = uuid.NewString()
		s.mu.Lock()
		s.sessions[sid] = true
		s.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sid, Path: "/", HttpOnly: true})
	}

	code := uuid.NewString()
	s.mu.Lock()
	s.codes[code] = grant{
		ClientID:      s.ClientID,
		RedirectURI:   redirectURI,
		Challenge:     q.Get("code_challenge"),
		Nonce:         q.Get("nonce"),
		Audience:      q.Get("audience"),
		Scope:         q.Get("scope"),
		IssuedAt:      time.Now(),
		Subject:       s.subjectLocked(),
		SessionCookie: sid,
	}
	s.mu.Unlock()

	reply(url.Values{"code": {code}})
}

func (s *Server) subjectLocked() string {
	sub, _ := s.user["sub"].(string)
	return sub
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	s.mu.Lock()
	forced, delay := s.tokenError, s.tokenDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if forced != "" {
		status := http.StatusForbidden
		if forced == "server_error" || forced == "temporarily_unavailable" {
			status = http.StatusServiceUnavailable
		}
		tokenError(w, status, forced, "forced by test")
		return
	}
	if r.PostForm.Get("client_id") != s.ClientID {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.refresh(w, r)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", r.PostForm.Get("grant_type"))
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	s.mu.Lock()
	g, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok {
		tokenError(w, http.StatusForbidden, "invalid_grant", "Invalid authorization code")
		return
	}
	if r.PostForm.Get("redirect_uri") != g.RedirectURI {
		tokenError(w, http.StatusForbidden, "invalid_grant", "redirect_uri mismatch")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.Challenge {
		tokenError(w, http.StatusForbidden, "invalid_grant", "Failed to verify code verifier")
		return
	}
	s.issue(w, g, true)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	rt := r.PostForm.Get("refresh_token")
	s.mu.Lock()
	g, ok := s.refreshTokens[rt]
	s.mu.Unlock()
	if !ok {
		tokenError(w, http.StatusForbidden, "invalid_grant", "Unknown or invalid refresh token.")
		return
	}
	g.Nonce = ""
	s.issue(w, g, false)
}

func (s *Server) issue(w http.ResponseWriter, g grant, withRefresh bool) {
	now := time.Now()
	s.mu.Lock()
	user := make(map[string]any, len(s.user))
	for k, v := range s.user {
		user[k] = v
	}
	s.mu.Unlock()

	accessClaims := jwt.MapClaims{
		"iss":   s.Issuer(),
		"sub":   g.Subject,
		"aud":   g.Audience,
		"scope": g.Scope,
		"iat":   now.Unix(),
		"exp":   now.Add(s.opts.TokenLifetime).Unix(),
		"jti":   uuid.NewString(),
	}
	access, err := s.sign(accessClaims)
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	idClaims := jwt.MapClaims{
		"iss": s.Issuer(),
		"aud": s.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Hour).Unix(),
	}
	for k, v := range user {
		idClaims[k] = v
	}
	if g.Nonce != "" {
		idClaims["nonce"] = g.Nonce
	}
	idToken, err := s.sign(idClaims)
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := map[string]any{
		"access_token": access,
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   int(s.opts.TokenLifetime.Seconds()),
		"scope":        g.Scope,
	}
	if withRefresh {
		rt := uuid.NewString()
		s.mu.Lock()
		s.refreshTokens[rt] = g
		s.mu.Unlock()
		resp["refresh_token"] = rt
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

// Sign signs arbitrary claims with the server key.
func (s *Server) Sign(claims map[string]any) (string, error) {
	return s.sign(jwt.MapClaims(claims))
}

func (s *Server) sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	return tok.SignedString(s.key)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_, err := jwt.Parse(auth[len(prefix):], func(*jwt.Token) (any, error) { return &s.key.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(s.Issuer()))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	user := make(map[string]any, len(s.user))
	for k, v := range s.user {
		user[k] = v
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})

	returnTo := r.URL.Query().Get("returnTo")
	if returnTo == "" {
		returnTo = r.URL.Query().Get("post_logout_redirect_uri")
	}
	if returnTo == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func tokenError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
