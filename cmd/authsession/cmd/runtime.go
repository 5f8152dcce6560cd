package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ideamans/authsession/pkg/authsession"
	"github.com/ideamans/authsession/pkg/browser"
	"github.com/ideamans/authsession/pkg/config"
	"github.com/ideamans/authsession/pkg/metrics"
	"github.com/ideamans/authsession/pkg/shared/kvs"
	"github.com/ideamans/authsession/pkg/shared/logging"
)

// runtime holds what every command needs: the configuration, the logger,
// the storage backends and the loopback callback receiver.
type runtime struct {
	loader   *config.FileLoader
	cfg      *config.Config
	logger   *logging.SimpleLogger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	loop     *browser.Loopback
	location *browser.MemoryLocation

	mu     sync.Mutex
	stores map[kvs.Config]kvs.Store
}

func newRuntime(stderr io.Writer) (*runtime, error) {
	loader := config.NewFileLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Logging.NewLogger("authsession")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	for _, name := range loader.MissingEnvVars() {
		logger.Warn("Environment variable referenced by the configuration is not set", "name", name)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	loop, err := browser.NewLoopback(browser.LoopbackConfig{
		Addr: cfg.Agent.CallbackAddr,
		Launch: func(ctx context.Context, rawURL string) error {
			fmt.Fprintf(stderr, "Opening %s\n", rawURL)
			return browser.SystemBrowser(ctx, rawURL)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	location, err := browser.NewMemoryLocation(loop.RedirectURI(), loop.Navigate)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}

	return &runtime{
		loader:   loader,
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		loop:     loop,
		location: location,
		stores:   map[kvs.Config]kvs.Store{},
	}, nil
}

// store returns the backend for cfg, opening it on first use. Stores are
// shared between sessions so a LevelDB directory is only opened once.
func (r *runtime) store(cfg kvs.Config) (kvs.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[cfg]; ok {
		return s, nil
	}
	s, err := kvs.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Type, err)
	}
	r.stores[cfg] = s
	return s, nil
}

// newSession builds an AuthSession wired to the loopback receiver. It is
// also the agent's session factory.
func (r *runtime) newSession(cfg *config.Config) (*authsession.AuthSession, error) {
	storage, err := r.store(cfg.Storage)
	if err != nil {
		return nil, err
	}
	auth := cfg.Auth
	if auth.RedirectURI == "" {
		auth.RedirectURI = r.loop.RedirectURI()
	}
	return authsession.New(auth, authsession.Dependencies{
		Storage:  storage,
		Location: r.location,
		Opener:   r.loop,
		Frame:    browser.NewHTTPFrame(nil, r.loop.RedirectURI()),
		Metrics:  r.metrics,
		Logger:   r.logger,
	})
}

// startSession builds the session and runs its startup pass.
func (r *runtime) startSession(ctx context.Context) (*authsession.AuthSession, error) {
	s, err := r.newSession(r.cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.HandleRedirectCallback(ctx); err != nil {
		r.logger.Warn("Could not restore the previous session", "error", err)
	}
	return s, nil
}

func (r *runtime) Close() error {
	errs := []error{r.loop.Close()}
	r.mu.Lock()
	for _, s := range r.stores {
		errs = append(errs, s.Close())
	}
	r.stores = nil
	r.mu.Unlock()
	return errors.Join(errs...)
}
