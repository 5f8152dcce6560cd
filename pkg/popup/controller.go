// Package popup runs a login in a secondary window and waits for it to
// report back, be closed or time out.
package popup

import (
	"context"
	"errors"
	"time"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/browser"
	"github.com/ideamans/authsession/pkg/exchange"
	"github.com/ideamans/authsession/pkg/metrics"
	"github.com/ideamans/authsession/pkg/provider"
	"github.com/ideamans/authsession/pkg/shared/logging"
	"github.com/ideamans/authsession/pkg/state"
	"github.com/ideamans/authsession/pkg/transaction"
)

// DefaultTimeout is how long a popup may stay open.
const DefaultTimeout = 60 * time.Second

// Options of a single popup login.
type Options struct {
	Audience   string
	Scopes     []string
	Prompt     string
	ScreenHint string
	Connection string
	AppState   string
	Extra      map[string]string
	// Timeout overrides the controller timeout when positive.
	Timeout time.Duration
}

// Config wires a Controller.
type Config struct {
	Opener       browser.Opener
	Provider     provider.IdentityProvider
	Transactions *transaction.Store
	Completer    *exchange.Completer
	Store        *state.Store
	Timeout      time.Duration
	Metrics      *metrics.Metrics
	Logger       logging.Logger
}

// Controller runs popup logins.
type Controller struct {
	cfg    Config
	logger logging.Logger
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Controller{cfg: cfg, logger: cfg.Logger.WithModule("popup")}
}

// Login opens the popup and completes the login it reports. Whatever the
// outcome, the session ends with PopupOpen and Loading released and the
// window closed.
func (c *Controller) Login(ctx context.Context, opts Options) (res *exchange.Result, err error) {
	if c.cfg.Opener == nil {
		return nil, autherr.New(autherr.KindPopupClosed, "no window opener configured")
	}

	tx, err := c.cfg.Transactions.Create(ctx, transaction.Options{
		RedirectURI: c.cfg.Opener.RedirectURI(),
		Audience:    opts.Audience,
		Scopes:      opts.Scopes,
		AppState:    opts.AppState,
	})
	if err != nil {
		c.logger.Error("Failed to start popup login", "error", err)
		return nil, autherr.New(autherr.KindUnknown, "pending login could not be stored")
	}

	authURL := c.cfg.Provider.AuthorizeURL(provider.AuthorizeParams{
		State:        tx.State,
		Nonce:        tx.Nonce,
		CodeVerifier: tx.CodeVerifier,
		RedirectURI:  tx.RedirectURI,
		Audience:     tx.Audience,
		Scopes:       tx.Scopes,
		Prompt:       opts.Prompt,
		ScreenHint:   opts.ScreenHint,
		Connection:   opts.Connection,
		Extra:        opts.Extra,
	})

	done := c.cfg.Store.Begin(state.PopupOpened())
	var final []state.Change
	defer func() {
		if err != nil {
			ae := autherr.Classify(err)
			err = ae
			if res == nil {
				_ = c.cfg.Transactions.Discard(context.WithoutCancel(ctx), tx.State)
			}
			c.cfg.Metrics.LoginOutcome("popup", string(ae.Kind))
			final = append(final, state.Failed(ae))
		} else {
			c.cfg.Metrics.LoginOutcome("popup", "ok")
		}
		done(append(final, state.PopupClosed())...)
	}()

	win, err := c.cfg.Opener.Open(ctx, authURL)
	if err != nil {
		if errors.Is(err, browser.ErrBlocked) {
			return nil, autherr.Newf(autherr.KindPopupClosed, "popup could not be opened: %v", err)
		}
		return nil, err
	}
	defer func() {
		if cerr := win.Close(); cerr != nil {
			c.logger.Warn("Failed to close popup", "error", cerr)
		}
	}()

	timeout := c.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cb := <-win.Result():
		if cb.State != tx.State {
			c.logger.Warn("Popup returned an unexpected state")
			return nil, autherr.New(autherr.KindInvalidState, "popup callback state does not match")
		}
		res, err = c.cfg.Completer.Complete(ctx, cb)
		if err != nil {
			if cb.Error == "" {
				// a code was issued but could not be redeemed
				final = append(final, state.Unauthenticated())
			}
			return nil, err
		}
		final = append(final, state.LoggedIn(res.User))
		return res, nil

	case <-win.Closed():
		return nil, autherr.New(autherr.KindPopupClosed, "popup closed before completing login")

	case <-timer.C:
		c.logger.Info("Popup login timed out", "timeout", timeout)
		return nil, autherr.Newf(autherr.KindTimeout, "popup did not complete within %s", timeout)

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, autherr.New(autherr.KindTimeout, "popup login deadline exceeded")
		}
		return nil, autherr.New(autherr.KindPopupClosed, "popup login canceled")
	}
}
