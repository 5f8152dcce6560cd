package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
)

// HTTPFrame performs silent authorize requests with an HTTP client, the way
// a hidden iframe would. The provider must be reachable with the cookies in
// the client's jar; the redirect to RedirectURI is intercepted rather than
// followed.
type HTTPFrame struct {
	client      *http.Client
	redirectURI string
}

// NewHTTPFrame creates a frame for redirectURI. A nil client gets a fresh
// cookie jar.
func NewHTTPFrame(client *http.Client, redirectURI string) *HTTPFrame {
	if client == nil {
		jar, _ := cookiejar.New(nil)
		client = &http.Client{Jar: jar}
	}
	return &HTTPFrame{client: client, redirectURI: redirectURI}
}

func (f *HTTPFrame) RedirectURI() string { return f.redirectURI }

// Load requests authorizeURL and follows provider redirects until one
// targets the redirect URI.
func (f *HTTPFrame) Load(ctx context.Context, authorizeURL string) (Callback, error) {
	var landed *url.URL
	client := *f.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if f.isRedirectTarget(req.URL) {
			landed = req.URL
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("browser: stopped after 10 redirects")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizeURL, nil)
	if err != nil {
		return Callback{}, fmt.Errorf("browser: build frame request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Callback{}, err
	}
	defer resp.Body.Close()

	if landed == nil {
		// the provider rendered a page instead of redirecting back
		return Callback{Error: "interaction_required", ErrorDescription: fmt.Sprintf("provider answered %s", resp.Status)}, nil
	}
	cb, ok := ParseCallback(landed)
	if !ok {
		return Callback{}, fmt.Errorf("browser: redirect without authorization response: %s", landed.Redacted())
	}
	return cb, nil
}

func (f *HTTPFrame) isRedirectTarget(u *url.URL) bool {
	target, err := url.Parse(f.redirectURI)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, target.Scheme) &&
		strings.EqualFold(u.Host, target.Host) &&
		u.Path == target.Path
}
