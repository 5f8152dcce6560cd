package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/authsession"
	"github.com/ideamans/authsession/pkg/state"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type sessionResponse struct {
	Status state.Status `json:"status"`
	state.Session
}

// StatusFor maps an error kind to the HTTP status the agent answers with.
func StatusFor(kind autherr.Kind) int {
	switch kind {
	case autherr.KindLoginRequired, autherr.KindConsentRequired, autherr.KindInteractionRequired:
		return http.StatusUnauthorized
	case autherr.KindAccessDenied:
		return http.StatusForbidden
	case autherr.KindTimeout:
		return http.StatusGatewayTimeout
	case autherr.KindNetworkError:
		return http.StatusBadGateway
	case autherr.KindInvalidState, autherr.KindPopupClosed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseScopes splits a scope parameter on spaces and commas.
func parseScopes(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
}

func (a *Agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *Agent) handleToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []authsession.TokenOption
	if mode := q.Get("cache_mode"); mode != "" {
		switch m := authsession.CacheMode(mode); m {
		case authsession.CacheModeOn, authsession.CacheModeOff, authsession.CacheModeOnly:
			opts = append(opts, authsession.WithCacheMode(m))
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Description: "cache_mode must be on, off or cache-only"})
			return
		}
	}

	s, release := a.acquire()
	defer release()
	tok, err := s.GetAccessTokenSilently(r.Context(), q.Get("audience"), parseScopes(q.Get("scope")), opts...)
	if err != nil {
		a.writeError(w, err)
		return
	}

	expiresIn := int64(time.Until(tok.ExpiresAt) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   expiresIn,
		Scope:       tok.Scope,
	})
}

func (a *Agent) handleSession(w http.ResponseWriter, _ *http.Request) {
	s, release := a.acquire()
	sess := s.Session()
	release()
	writeJSON(w, http.StatusOK, sessionResponse{Status: sess.Status(), Session: sess})
}

func (a *Agent) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s, release := a.acquire()
	err := s.LoginWithPopup(r.Context(), authsession.LoginOptions{
		Audience:   q.Get("audience"),
		Scopes:     parseScopes(q.Get("scope")),
		Prompt:     q.Get("prompt"),
		ScreenHint: q.Get("screen_hint"),
		Connection: q.Get("connection"),
	})
	release()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.handleSession(w, r)
}

func (a *Agent) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s, release := a.acquire()
	defer release()
	err := s.Logout(r.Context(), authsession.LogoutOptions{
		ReturnTo:  q.Get("return_to"),
		LocalOnly: q.Get("local") == "true",
	})
	if err != nil {
		a.logger.Error("Logout failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: string(autherr.KindUnknown), Description: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) writeError(w http.ResponseWriter, err error) {
	var ae *autherr.Error
	if !errors.As(err, &ae) {
		ae = autherr.Classify(err)
	}
	status := StatusFor(ae.Kind)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("Token request failed", "kind", ae.Kind, "error", ae.Message)
	}
	writeJSON(w, status, errorResponse{Error: string(ae.Kind), Description: ae.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
