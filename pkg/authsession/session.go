// Package authsession is the entry point of the library. An AuthSession
// ties together the provider client, the token cache, the session state
// store and the redirect and popup login flows.
package authsession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/browser"
	"github.com/ideamans/authsession/pkg/exchange"
	"github.com/ideamans/authsession/pkg/metrics"
	"github.com/ideamans/authsession/pkg/popup"
	"github.com/ideamans/authsession/pkg/provider"
	"github.com/ideamans/authsession/pkg/redirect"
	"github.com/ideamans/authsession/pkg/shared/kvs"
	"github.com/ideamans/authsession/pkg/shared/logging"
	"github.com/ideamans/authsession/pkg/state"
	"github.com/ideamans/authsession/pkg/tokencache"
	"github.com/ideamans/authsession/pkg/transaction"
)

// Dependencies are the collaborators of an AuthSession. All are optional
// except where a flow needs them: Location for redirect logins and logout,
// Opener for popups, Frame for silent renewal without refresh tokens.
type Dependencies struct {
	// Provider overrides the client built from Config.
	Provider provider.IdentityProvider
	// Storage is the persistent store. Default: an in-memory store.
	Storage    kvs.Store
	Location   browser.Location
	Opener     browser.Opener
	Frame      browser.Frame
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     logging.Logger
	Now        func() time.Time
}

// AuthSession manages the authentication state of one client.
type AuthSession struct {
	cfg        Config
	deps       Dependencies
	logger     logging.Logger
	metrics    *metrics.Metrics
	provider   provider.IdentityProvider
	store      *state.Store
	cache      *tokencache.Cache
	txs        *transaction.Store
	intent     *exchange.Intent
	completer  *exchange.Completer
	popup      *popup.Controller
	redirect   *redirect.Handler
	defaultKey tokencache.Key

	owned []kvs.Store
}

// New builds an AuthSession. The startup pass over the current address is
// not run until HandleRedirectCallback is called.
func New(cfg Config, deps Dependencies) (*AuthSession, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("authsession: invalid config: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &AuthSession{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.WithModule("authsession"),
		metrics: deps.Metrics,
	}

	if deps.Storage == nil {
		mem, err := kvs.NewMemoryStore("authsession", kvs.MemoryConfig{})
		if err != nil {
			return nil, fmt.Errorf("authsession: create storage: %w", err)
		}
		deps.Storage = mem
		s.owned = append(s.owned, mem)
	}

	cacheStore := deps.Storage
	if cfg.CacheLocation == CacheMemory {
		mem, err := kvs.NewMemoryStore("tokens", kvs.MemoryConfig{})
		if err != nil {
			s.closeOwned()
			return nil, fmt.Errorf("authsession: create token cache: %w", err)
		}
		cacheStore = mem
		s.owned = append(s.owned, mem)
	}

	s.provider = deps.Provider
	if s.provider == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p, err := provider.New(ctx, provider.Config{
			BaseURL:      cfg.IdentityProviderBaseURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Discovery:    cfg.Discovery,
			HTTPClient:   deps.HTTPClient,
			Now:          deps.Now,
			Logger:       deps.Logger,
		})
		if err != nil {
			s.closeOwned()
			return nil, fmt.Errorf("authsession: %w", err)
		}
		s.provider = p
	}

	s.store = state.NewStore(deps.Logger)
	s.store.OnTransition(func(prev, next state.Session) {
		s.metrics.Transition(string(prev.Status()), string(next.Status()))
	})
	s.cache = tokencache.New(cacheStore, tokencache.Options{
		Leeway:  cfg.leeway(),
		Now:     deps.Now,
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
	})
	s.txs = transaction.NewStore(deps.Storage, transaction.DefaultTTL)
	s.intent = exchange.NewIntent(deps.Storage)
	s.completer = exchange.NewCompleter(s.provider, s.txs, s.cache, s.intent, deps.Logger)
	s.defaultKey = tokencache.NewKey(cfg.DefaultAudience, cfg.DefaultScope)

	s.popup = popup.New(popup.Config{
		Opener:       deps.Opener,
		Provider:     s.provider,
		Transactions: s.txs,
		Completer:    s.completer,
		Store:        s.store,
		Timeout:      cfg.popupTimeout(),
		Metrics:      deps.Metrics,
		Logger:       deps.Logger,
	})
	if deps.Location != nil {
		s.redirect = redirect.New(redirect.Config{
			Location:  deps.Location,
			Completer: s.completer,
			Intent:    s.intent,
			Probe:     s.probe,
			Store:     s.store,
			Metrics:   deps.Metrics,
			Logger:    deps.Logger,
		})
	}

	s.logger.Debug("Session created",
		"provider", cfg.IdentityProviderBaseURL,
		"client_id", cfg.ClientID,
		"cache", cfg.CacheLocation,
		"refresh_tokens", cfg.UseRefreshTokens)
	return s, nil
}

// Config returns the effective configuration.
func (s *AuthSession) Config() Config { return s.cfg }

// key builds the cache key of a request, merging the default scope.
func (s *AuthSession) key(audience string, scopes []string) tokencache.Key {
	if audience == "" {
		audience = s.cfg.DefaultAudience
	}
	return tokencache.NewKey(audience, append([]string{s.cfg.DefaultScope}, scopes...)...)
}

// LoginOptions customize an interactive login.
type LoginOptions struct {
	Audience   string
	Scopes     []string
	Prompt     string
	ScreenHint string
	Connection string
	AppState   string
	// RedirectURI overrides Config.RedirectURI for redirect logins.
	RedirectURI string
	Extra       map[string]string
}

// LoginWithRedirect navigates the location to the provider's authorize
// endpoint. The login completes on the next HandleRedirectCallback.
func (s *AuthSession) LoginWithRedirect(ctx context.Context, opts LoginOptions) error {
	if s.deps.Location == nil {
		return errors.New("authsession: redirect login requires a location")
	}
	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		redirectURI = s.cfg.RedirectURI
	}
	if redirectURI == "" {
		redirectURI = browser.StripCallback(s.deps.Location.Current()).String()
	}

	key := s.key(opts.Audience, opts.Scopes)
	tx, err := s.txs.Create(ctx, transaction.Options{
		RedirectURI: redirectURI,
		Audience:    key.Audience,
		Scopes:      key.Scopes,
		AppState:    opts.AppState,
	})
	if err != nil {
		return fmt.Errorf("authsession: start login: %w", err)
	}

	authURL := s.provider.AuthorizeURL(provider.AuthorizeParams{
		State:        tx.State,
		Nonce:        tx.Nonce,
		CodeVerifier: tx.CodeVerifier,
		RedirectURI:  redirectURI,
		Audience:     key.Audience,
		Scopes:       key.Scopes,
		Prompt:       opts.Prompt,
		ScreenHint:   opts.ScreenHint,
		Connection:   opts.Connection,
		Extra:        opts.Extra,
	})
	s.logger.Info("Redirecting to login", "audience", key.Audience, "scope", key.Scope())
	return s.deps.Location.Assign(ctx, authURL)
}

// HandleRedirectCallback runs the startup pass: it completes a login whose
// callback is in the current address, or restores an earlier session.
// Only the first call does work.
func (s *AuthSession) HandleRedirectCallback(ctx context.Context) (redirect.Outcome, error) {
	if s.redirect == nil {
		return redirect.Outcome{}, errors.New("authsession: redirect handling requires a location")
	}
	out := s.redirect.Run(ctx)
	if out.Err != nil {
		return out, out.Err
	}
	return out, nil
}

// LoginWithPopup signs in through a secondary window.
func (s *AuthSession) LoginWithPopup(ctx context.Context, opts LoginOptions) error {
	key := s.key(opts.Audience, opts.Scopes)
	_, err := s.popup.Login(ctx, popup.Options{
		Audience:   key.Audience,
		Scopes:     key.Scopes,
		Prompt:     opts.Prompt,
		ScreenHint: opts.ScreenHint,
		Connection: opts.Connection,
		AppState:   opts.AppState,
		Extra:      opts.Extra,
	})
	return err
}

// LogoutOptions customize Logout.
type LogoutOptions struct {
	// ReturnTo is where the provider sends the user afterwards. Default:
	// Config.RedirectURI.
	ReturnTo string
	// LocalOnly clears local state without visiting the provider.
	LocalOnly bool
}

// Logout clears cached tokens and the session, then navigates to the
// provider logout endpoint unless LocalOnly is set. Silent requests still
// in flight finish without storing tokens or signing the user back in.
func (s *AuthSession) Logout(ctx context.Context, opts LogoutOptions) error {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.Warn("Failed to clear token cache", "error", err)
	}
	if err := s.intent.Clear(ctx); err != nil {
		s.logger.Warn("Failed to clear sign-in flag", "error", err)
	}
	s.store.Set(state.LoggedOut())
	s.logger.Info("Logged out", "local_only", opts.LocalOnly)

	if opts.LocalOnly {
		return nil
	}
	if s.deps.Location == nil {
		return errors.New("authsession: provider logout requires a location")
	}
	returnTo := opts.ReturnTo
	if returnTo == "" {
		returnTo = s.cfg.RedirectURI
	}
	return s.deps.Location.Assign(ctx, s.provider.LogoutURL(returnTo))
}

// Subscribe calls fn with the current session and after every change.
func (s *AuthSession) Subscribe(fn func(state.Session)) (unsubscribe func()) {
	return s.store.Subscribe(fn)
}

// Session returns a snapshot of the session.
func (s *AuthSession) Session() state.Session { return s.store.Get() }

// IsAuthenticated reports whether a user is signed in.
func (s *AuthSession) IsAuthenticated() bool { return s.store.Get().Authenticated }

// User returns the signed-in user, or nil.
func (s *AuthSession) User() state.UserProfile { return s.store.Get().User }

// Close releases stores created by New. Stores passed in Dependencies are
// left open.
func (s *AuthSession) Close() error {
	return s.closeOwned()
}

func (s *AuthSession) closeOwned() error {
	var errs []error
	for _, st := range s.owned {
		if err := st.Close(); err != nil && !errors.Is(err, kvs.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.owned = nil
	return errors.Join(errs...)
}

// probe checks for a usable provider session without touching the session
// state, for the startup pass.
func (s *AuthSession) probe(ctx context.Context) (state.UserProfile, error) {
	tok, err := s.cache.GetOrFetch(ctx, s.defaultKey, s.fetchToken)
	if err != nil {
		return nil, err
	}
	return s.completer.Profile(ctx, tok, "")
}

// CheckSession restores the session from the provider if one exists. A
// provider answer that interaction is needed is not an error.
func (s *AuthSession) CheckSession(ctx context.Context) error {
	gen := s.cache.Generation()
	done := s.store.Begin()
	user, err := s.probe(ctx)
	if s.cache.Generation() != gen {
		done()
		return nil
	}
	if err != nil {
		ae := autherr.Classify(err)
		if ae.Kind.RequiresInteraction() {
			done(state.Unauthenticated())
			return nil
		}
		done(state.Failed(ae))
		return ae
	}
	done(state.LoggedIn(user))
	return nil
}
