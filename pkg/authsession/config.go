package authsession

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CacheLocation selects where cached tokens live.
type CacheLocation string

const (
	// CacheMemory keeps tokens for the lifetime of the AuthSession.
	CacheMemory CacheLocation = "memory"
	// CachePersistent keeps tokens in the persistent store, so they survive
	// a restart.
	CachePersistent CacheLocation = "persistent"
)

const (
	DefaultScope                    = "openid profile email"
	DefaultTokenExpiryLeewaySeconds = 60
	DefaultPopupTimeoutSeconds      = 60
)

// Config holds the construction options of an AuthSession.
type Config struct {
	IdentityProviderBaseURL string `yaml:"identity_provider_base_url" json:"identityProviderBaseUrl" env:"IDENTITY_PROVIDER_BASE_URL"`
	ClientID                string `yaml:"client_id" json:"clientId" env:"CLIENT_ID"`
	// ClientSecret is only set for confidential clients.
	ClientSecret    string        `yaml:"client_secret" json:"clientSecret" env:"CLIENT_SECRET"`
	DefaultScope    string        `yaml:"default_scope" json:"defaultScope" env:"DEFAULT_SCOPE"`
	DefaultAudience string        `yaml:"default_audience" json:"defaultAudience" env:"DEFAULT_AUDIENCE"`
	CacheLocation   CacheLocation `yaml:"cache_location" json:"cacheLocation" env:"CACHE_LOCATION"`
	// UseRefreshTokens renews tokens with the refresh_token grant instead of
	// a hidden authorize request.
	UseRefreshTokens bool `yaml:"use_refresh_tokens" json:"useRefreshTokens" env:"USE_REFRESH_TOKENS"`
	// TokenExpiryLeewaySeconds defaults to 60 when unset. Zero serves
	// tokens until the moment they expire.
	TokenExpiryLeewaySeconds *int `yaml:"token_expiry_leeway_seconds" json:"tokenExpiryLeewaySeconds" env:"TOKEN_EXPIRY_LEEWAY_SECONDS"`
	// PopupTimeoutSeconds defaults to 60 when zero.
	PopupTimeoutSeconds int `yaml:"popup_timeout_seconds" json:"popupTimeoutSeconds" env:"POPUP_TIMEOUT_SECONDS"`
	// RedirectURI used for redirect logins and as the default logout
	// returnTo.
	RedirectURI string `yaml:"redirect_uri" json:"redirectUri" env:"REDIRECT_URI"`
	// Discovery loads endpoints and keys from the provider's OIDC metadata.
	Discovery bool `yaml:"discovery" json:"discovery" env:"DISCOVERY"`
}

// WithDefaults returns a copy with unset fields defaulted and openid added
// to the default scope.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.DefaultScope) == "" {
		c.DefaultScope = DefaultScope
	}
	if !hasScope(c.DefaultScope, "openid") {
		c.DefaultScope = "openid " + strings.TrimSpace(c.DefaultScope)
	}
	if c.CacheLocation == "" {
		c.CacheLocation = CacheMemory
	}
	if c.TokenExpiryLeewaySeconds == nil {
		leeway := DefaultTokenExpiryLeewaySeconds
		c.TokenExpiryLeewaySeconds = &leeway
	}
	if c.PopupTimeoutSeconds == 0 {
		c.PopupTimeoutSeconds = DefaultPopupTimeoutSeconds
	}
	return c
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	var errs []error
	if c.IdentityProviderBaseURL == "" {
		errs = append(errs, errors.New("identity provider base URL is required"))
	} else if u, err := url.Parse(c.IdentityProviderBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("identity provider base URL %q is not an absolute URL", c.IdentityProviderBaseURL))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client ID is required"))
	}
	switch c.CacheLocation {
	case "", CacheMemory, CachePersistent:
	default:
		errs = append(errs, fmt.Errorf("cache location must be %q or %q, got %q", CacheMemory, CachePersistent, c.CacheLocation))
	}
	if c.TokenExpiryLeewaySeconds != nil && *c.TokenExpiryLeewaySeconds < 0 {
		errs = append(errs, errors.New("token expiry leeway must not be negative"))
	}
	if c.PopupTimeoutSeconds < 0 {
		errs = append(errs, errors.New("popup timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Equal reports whether c and other hold the same settings.
func (c Config) Equal(other Config) bool {
	a, b := c.leewaySeconds(), other.leewaySeconds()
	c.TokenExpiryLeewaySeconds, other.TokenExpiryLeewaySeconds = nil, nil
	return a == b && c == other
}

func (c Config) leewaySeconds() int {
	if c.TokenExpiryLeewaySeconds == nil {
		return DefaultTokenExpiryLeewaySeconds
	}
	return *c.TokenExpiryLeewaySeconds
}

func (c Config) leeway() time.Duration {
	return time.Duration(c.leewaySeconds()) * time.Second
}

func (c Config) popupTimeout() time.Duration {
	return time.Duration(c.PopupTimeoutSeconds) * time.Second
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
