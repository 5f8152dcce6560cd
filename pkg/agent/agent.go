// Package agent serves access tokens of one AuthSession to local processes
// over HTTP and reloads the session when the configuration changes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ideamans/authsession/pkg/authsession"
	"github.com/ideamans/authsession/pkg/config"
	"github.com/ideamans/authsession/pkg/metrics"
	"github.com/ideamans/authsession/pkg/ratelimit"
	"github.com/ideamans/authsession/pkg/shared/logging"
	"github.com/ideamans/authsession/pkg/state"
)

// Factory builds the AuthSession for a configuration.
type Factory func(cfg *config.Config) (*authsession.AuthSession, error)

// LevelSetter receives the log level after a reload.
type LevelSetter interface {
	SetLevel(level logging.Level)
}

// Options configure an Agent.
type Options struct {
	Config  *config.Config
	Factory Factory
	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Levels   LevelSetter
	Logger   logging.Logger
}

// Agent owns the current AuthSession. Reload swaps it atomically; requests
// in flight finish on the session they started with, and the previous
// session is closed once they have.
type Agent struct {
	factory  Factory
	gatherer prometheus.Gatherer
	levels   LevelSetter
	logger   logging.Logger
	router   chi.Router

	mu       sync.Mutex
	retiring sync.WaitGroup

	cfg     atomic.Pointer[config.Config]
	current atomic.Pointer[lease]
	limiter atomic.Pointer[ratelimit.Limiter]
}

// New builds the first session and the router.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent: config is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("agent: session factory is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	a := &Agent{
		factory:  opts.Factory,
		gatherer: opts.Gatherer,
		levels:   opts.Levels,
		logger:   opts.Logger.WithModule("agent"),
	}

	s, err := a.factory(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("agent: create session: %w", err)
	}
	a.install(s)
	a.cfg.Store(opts.Config)
	if err := a.applyRateLimit(opts.Config); err != nil {
		a.current.Load().unsubscribe()
		_ = s.Close()
		return nil, err
	}

	a.router = a.routes()
	return a, nil
}

// Session returns the current session.
func (a *Agent) Session() *authsession.AuthSession { return a.current.Load().session }

// acquire returns the current session and a func that must be called when
// the caller is done with it.
func (a *Agent) acquire() (*authsession.AuthSession, func()) {
	for {
		l := a.current.Load()
		if l.tryAcquire() {
			return l.session, l.release
		}
	}
}

// Config returns the configuration in effect.
func (a *Agent) Config() *config.Config { return a.cfg.Load() }

// Handler returns the HTTP API.
func (a *Agent) Handler() http.Handler { return a.router }

func (a *Agent) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLog)

	r.Get("/healthz", a.handleHealth)
	r.Get("/session", a.handleSession)
	r.Handle("/metrics", metrics.Handler(a.gatherer))
	r.Group(func(r chi.Router) {
		r.Use(a.rateLimit)
		r.Get("/token", a.handleToken)
		r.Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)
	})
	return r
}

// Reload applies cfg: the log level and rate limit in place, and a new
// session when identity or storage settings changed. On error the current
// configuration stays in effect.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.cfg.Load()
	if old.IdentityChanged(cfg) {
		next, err := a.factory(cfg)
		if err != nil {
			return fmt.Errorf("agent: rebuild session: %w", err)
		}
		prev := a.current.Load()
		a.install(next)
		a.retire(prev)
		a.logger.Info("Session rebuilt", "client_id", cfg.Auth.ClientID, "provider", cfg.Auth.IdentityProviderBaseURL)
	}

	if a.levels != nil && old.Logging.Level != cfg.Logging.Level {
		a.levels.SetLevel(logging.ParseLevel(cfg.Logging.Level))
		a.logger.Info("Log level changed", "level", cfg.Logging.Level)
	}
	if old.Agent.RateLimit != cfg.Agent.RateLimit {
		if err := a.applyRateLimit(cfg); err != nil {
			a.logger.Warn("Keeping previous rate limit", "error", err)
		}
	}

	a.cfg.Store(cfg)
	return nil
}

// install makes s current and logs its status changes.
func (a *Agent) install(s *authsession.AuthSession) {
	var last state.Status
	unsubscribe := s.Subscribe(func(sess state.Session) {
		status := sess.Status()
		if status == last {
			return
		}
		last = status
		kv := []interface{}{"status", status}
		if email := sess.User.Email(); email != "" {
			kv = append(kv, "user", logging.MaskEmail(email))
		}
		if sess.LastError != nil {
			kv = append(kv, "error", sess.LastError.Kind)
		}
		a.logger.Info("Session changed", kv...)
	})
	a.current.Store(newLease(s, unsubscribe))
}

// retire closes the session of l after its requests have finished.
func (a *Agent) retire(l *lease) {
	l.unsubscribe()
	l.retire()
	a.retiring.Add(1)
	go func() {
		defer a.retiring.Done()
		<-l.drained
		if err := l.session.Close(); err != nil {
			a.logger.Warn("Failed to close previous session", "error", err)
		}
	}()
}

func (a *Agent) applyRateLimit(cfg *config.Config) error {
	rl := cfg.Agent.RateLimit
	if rl.Requests == 0 {
		a.limiter.Store(nil)
		return nil
	}
	interval, err := rl.GetInterval()
	if err != nil {
		return fmt.Errorf("agent: rate limit interval: %w", err)
	}
	a.limiter.Store(ratelimit.NewLimiter(rl.Requests, interval))
	return nil
}

func (a *Agent) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := a.limiter.Load()
		if l == nil {
			next.ServeHTTP(w, r)
			return
		}
		l.Middleware(ratelimit.ClientIP)(next).ServeHTTP(w, r)
	})
}

func (a *Agent) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Serve answers requests on ln until ctx is done.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: a.router, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	a.logger.Info("Agent listening", "address", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("agent: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.logger.Info("Agent stopped")
	return nil
}

// Close waits for sessions replaced by Reload to drain, then releases the
// current session.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retiring.Wait()
	l := a.current.Load()
	l.unsubscribe()
	return l.session.Close()
}
