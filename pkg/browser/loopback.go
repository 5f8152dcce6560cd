package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ideamans/authsession/pkg/shared/logging"
)

const callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Signed in</title></head>
<body><p>Authentication finished. You can close this window.</p></body></html>
`

// LoopbackConfig configures a Loopback receiver.
type LoopbackConfig struct {
	// Addr to listen on. Default: 127.0.0.1:0 (any free port).
	Addr string
	// Path of the callback endpoint. Default: /callback.
	Path string
	// Launch opens a URL for the user. Default: SystemBrowser.
	Launch Navigator
	Logger logging.Logger
}

// Loopback receives authorization callbacks on a local HTTP listener. It is
// an Opener whose windows are tabs of the system browser; callbacks that
// arrive while no window is open are queued for the redirect flow.
type Loopback struct {
	server      *http.Server
	listener    net.Listener
	redirectURI string
	launch      Navigator
	logger      logging.Logger

	mu        sync.Mutex
	window    *loopbackWindow
	redirects chan *url.URL
	closed    chan struct{}
	closeOnce sync.Once
}

// NewLoopback starts listening. Call Close to stop.
func NewLoopback(cfg LoopbackConfig) (*Loopback, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Path == "" {
		cfg.Path = "/callback"
	}
	if cfg.Launch == nil {
		cfg.Launch = SystemBrowser
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("browser: listen on %s: %w", cfg.Addr, err)
	}

	l := &Loopback{
		listener:    ln,
		redirectURI: "http://" + ln.Addr().String() + cfg.Path,
		launch:      cfg.Launch,
		logger:      cfg.Logger.WithModule("loopback"),
		redirects:   make(chan *url.URL, 1),
		closed:      make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Get(cfg.Path, l.handleCallback)
	l.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("Loopback server stopped", "error", err)
		}
	}()
	l.logger.Debug("Listening for callbacks", "redirect_uri", l.redirectURI)
	return l, nil
}

// RedirectURI is the address the identity provider should redirect to.
func (l *Loopback) RedirectURI() string { return l.redirectURI }

// Open launches the authorize URL and returns a window that receives the
// next callback.
func (l *Loopback) Open(ctx context.Context, authorizeURL string) (Window, error) {
	w := &loopbackWindow{
		owner:  l,
		result: make(chan Callback, 1),
		closed: make(chan struct{}),
	}

	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return nil, ErrBlocked
	default:
	}
	if l.window != nil {
		l.window.closeLocked()
	}
	l.window = w
	l.mu.Unlock()

	if err := l.launch(ctx, authorizeURL); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	return w, nil
}

// Navigate launches rawURL without opening a window. It is suitable as the
// Navigator of a MemoryLocation.
func (l *Loopback) Navigate(ctx context.Context, rawURL string) error {
	return l.launch(ctx, rawURL)
}

// WaitRedirect blocks until a callback arrives with no window open and
// returns its full URL.
func (l *Loopback) WaitRedirect(ctx context.Context) (*url.URL, error) {
	select {
	case u := <-l.redirects:
		return u, nil
	case <-l.closed:
		return nil, errors.New("browser: loopback closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener and closes any open window.
func (l *Loopback) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		close(l.closed)
		if l.window != nil {
			l.window.closeLocked()
		}
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}

func (l *Loopback) handleCallback(w http.ResponseWriter, r *http.Request) {
	u := &url.URL{
		Scheme:   "http",
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	cb, ok := ParseCallback(u)
	if !ok {
		http.Error(w, "missing authorization response parameters", http.StatusBadRequest)
		return
	}

	l.mu.Lock()
	win := l.window
	l.window = nil
	l.mu.Unlock()

	if win != nil {
		win.deliver(cb)
	} else {
		select {
		case l.redirects <- u:
		default:
			l.logger.Warn("Dropping callback, previous one not consumed")
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(callbackPage))
}

type loopbackWindow struct {
	owner     *Loopback
	result    chan Callback
	closed    chan struct{}
	closeOnce sync.Once
}

func (w *loopbackWindow) Result() <-chan Callback { return w.result }
func (w *loopbackWindow) Closed() <-chan struct{} { return w.closed }

func (w *loopbackWindow) Close() error {
	w.owner.mu.Lock()
	defer w.owner.mu.Unlock()
	w.closeLocked()
	return nil
}

func (w *loopbackWindow) closeLocked() {
	if w.owner.window == w {
		w.owner.window = nil
	}
	w.closeOnce.Do(func() { close(w.closed) })
}

func (w *loopbackWindow) deliver(cb Callback) {
	w.result <- cb
}
