package idptest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
)

// Browser is a cookie-keeping user agent. Visiting an authorize URL signs
// the user in at the provider and yields the callback URL.
type Browser struct {
	Client *http.Client
}

// NewBrowser creates a browser with an empty cookie jar.
func NewBrowser() *Browser {
	jar, _ := cookiejar.New(nil)
	return &Browser{Client: &http.Client{Jar: jar}}
}

// Visit loads rawURL and follows redirects on the same host. It returns the
// first URL on another host without requesting it.
func (b *Browser) Visit(ctx context.Context, rawURL string) (*url.URL, error) {
	start, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var landed *url.URL
	client := *b.Client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.URL.Host != start.Host {
			landed = req.URL
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return fmt.Errorf("idptest: too many redirects")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if landed == nil {
		return nil, fmt.Errorf("idptest: %s did not redirect away (status %s)", rawURL, resp.Status)
	}
	return landed, nil
}

// Follow visits rawURL and then requests the URL it lands on, as a browser
// would when the callback is served by a local listener.
func (b *Browser) Follow(ctx context.Context, rawURL string) error {
	landed, err := b.Visit(ctx, rawURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, landed.String(), nil)
	if err != nil {
		return err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
