// Package redirect processes the page address once at startup: it finishes
// a login whose callback landed on the page, or restores an earlier session.
package redirect

import (
	"context"
	"sync"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/browser"
	"github.com/ideamans/authsession/pkg/exchange"
	"github.com/ideamans/authsession/pkg/metrics"
	"github.com/ideamans/authsession/pkg/shared/logging"
	"github.com/ideamans/authsession/pkg/state"
)

// Phase of the handler state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseExchanging Phase = "exchanging"
	PhaseResuming   Phase = "resuming"
	PhaseDone       Phase = "done"
)

// Prober asks the provider whether a session exists, without user
// interaction, and returns the signed-in user.
type Prober func(ctx context.Context) (state.UserProfile, error)

// Outcome of a pass.
type Outcome struct {
	Path          []Phase
	Authenticated bool
	User          state.UserProfile
	// AppState carried through the login, set after a successful exchange.
	AppState string
	Err      *autherr.Error
}

// Config wires a Handler.
type Config struct {
	Location  browser.Location
	Completer *exchange.Completer
	Intent    *exchange.Intent
	Probe     Prober
	Store     *state.Store
	Metrics   *metrics.Metrics
	Logger    logging.Logger
}

// Handler runs one pass over the page address. Run may be called many
// times; only the first does any work.
type Handler struct {
	cfg    Config
	logger logging.Logger

	once    sync.Once
	outcome Outcome
}

// New creates a handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Handler{cfg: cfg, logger: cfg.Logger.WithModule("redirect")}
}

// Run executes the pass and returns its outcome. Later calls return the
// outcome of the first.
func (h *Handler) Run(ctx context.Context) Outcome {
	h.once.Do(func() {
		h.outcome = h.run(ctx)
		h.outcome.Path = append(h.outcome.Path, PhaseDone)
	})
	return h.outcome
}

func (h *Handler) run(ctx context.Context) Outcome {
	current := h.cfg.Location.Current()
	if cb, ok := browser.ParseCallback(current); ok {
		return h.exchange(ctx, cb)
	}
	return h.resume(ctx)
}

func (h *Handler) exchange(ctx context.Context, cb browser.Callback) Outcome {
	out := Outcome{Path: []Phase{PhaseIdle, PhaseExchanging}}
	done := h.cfg.Store.Begin()

	res, err := h.cfg.Completer.Complete(ctx, cb)

	// the callback parameters must not survive a reload, success or not
	if rerr := h.cfg.Location.Replace(browser.StripCallback(h.cfg.Location.Current())); rerr != nil {
		h.logger.Warn("Failed to clean callback parameters from address", "error", rerr)
	}

	if err != nil {
		out.Err = autherr.Classify(err)
		h.logger.Warn("Login callback failed", "kind", out.Err.Kind, "message", out.Err.Message)
		h.cfg.Metrics.LoginOutcome("redirect", string(out.Err.Kind))
		done(state.Unauthenticated(), state.Failed(out.Err))
		return out
	}

	out.Authenticated = true
	out.User = res.User
	out.AppState = res.Transaction.AppState
	h.cfg.Metrics.LoginOutcome("redirect", "ok")
	done(state.LoggedIn(res.User))
	return out
}

func (h *Handler) resume(ctx context.Context) Outcome {
	out := Outcome{Path: []Phase{PhaseIdle, PhaseResuming}}
	done := h.cfg.Store.Begin()

	present, err := h.cfg.Intent.Present(ctx)
	if err != nil {
		h.logger.Warn("Storage unreadable, starting signed out", "error", err)
	}
	if err != nil || !present || h.cfg.Probe == nil {
		done(state.Unauthenticated())
		return out
	}

	user, err := h.cfg.Probe(ctx)
	if err != nil {
		ae := autherr.Classify(err)
		if ae.Kind.RequiresInteraction() {
			h.logger.Info("No provider session to restore", "kind", ae.Kind)
			if cerr := h.cfg.Intent.Clear(ctx); cerr != nil {
				h.logger.Warn("Failed to clear sign-in flag", "error", cerr)
			}
			done(state.Unauthenticated())
			return out
		}
		out.Err = ae
		h.logger.Warn("Session restore failed", "kind", ae.Kind, "message", ae.Message)
		done(state.Unauthenticated(), state.Failed(ae))
		return out
	}

	out.Authenticated = true
	out.User = user
	h.logger.Info("Restored session", "sub", user.Subject())
	done(state.LoggedIn(user))
	return out
}
