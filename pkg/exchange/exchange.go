// Package exchange completes an authorization callback: it redeems the
// pending transaction, exchanges the code and caches the resulting tokens.
package exchange

import (
	"context"
	"errors"

	"github.com/ideamans/authsession/pkg/autherr"
	"github.com/ideamans/authsession/pkg/browser"
	"github.com/ideamans/authsession/pkg/provider"
	"github.com/ideamans/authsession/pkg/shared/logging"
	"github.com/ideamans/authsession/pkg/state"
	"github.com/ideamans/authsession/pkg/tokencache"
	"github.com/ideamans/authsession/pkg/transaction"
)

// Result of a completed login.
type Result struct {
	User        state.UserProfile
	Token       tokencache.Token
	Key         tokencache.Key
	Transaction *transaction.Transaction
}

// Completer turns callbacks into signed-in results.
type Completer struct {
	provider     provider.IdentityProvider
	transactions *transaction.Store
	cache        *tokencache.Cache
	intent       *Intent
	logger       logging.Logger
}

// NewCompleter wires a completer.
func NewCompleter(p provider.IdentityProvider, txs *transaction.Store, cache *tokencache.Cache, intent *Intent, logger logging.Logger) *Completer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Completer{
		provider:     p,
		transactions: txs,
		cache:        cache,
		intent:       intent,
		logger:       logger.WithModule("exchange"),
	}
}

// Complete redeems cb. Errors are classified *autherr.Error values. A
// logout that clears the cache while the code is being exchanged wins: the
// tokens are not stored and the sign-in flag is not set.
func (c *Completer) Complete(ctx context.Context, cb browser.Callback) (*Result, error) {
	gen, ok := tokencache.GenerationFrom(ctx)
	if !ok {
		gen = c.cache.Generation()
	}

	tx, err := c.transactions.Take(ctx, cb.State)
	if errors.Is(err, transaction.ErrNotFound) {
		return nil, autherr.New(autherr.KindInvalidState, "no pending login matches the callback state")
	}
	if err != nil {
		c.logger.Error("Failed to load pending login", "error", err)
		return nil, autherr.New(autherr.KindUnknown, "pending login could not be read")
	}

	if cb.Error != "" {
		return nil, autherr.Classify(&autherr.ProviderError{Code: cb.Error, Description: cb.ErrorDescription})
	}

	tok, err := c.provider.ExchangeCode(ctx, cb.Code, tx.CodeVerifier, tx.RedirectURI)
	if err != nil {
		return nil, autherr.Classify(err)
	}

	user, err := c.Profile(ctx, tok, tx.Nonce)
	if err != nil {
		return nil, err
	}

	key := tokencache.NewKey(tx.Audience, tx.Scopes...)
	err = c.cache.Guard(gen, func() error {
		if err := c.cache.Put(ctx, key, tok); err != nil {
			c.logger.Warn("Failed to cache tokens", "key", key.String(), "error", err)
		}
		if err := c.intent.Mark(ctx); err != nil {
			c.logger.Warn("Failed to remember sign-in", "error", err)
		}
		return nil
	})
	if errors.Is(err, tokencache.ErrStale) {
		c.logger.Info("Discarding login completed after sign-out", "sub", user.Subject())
		return nil, autherr.New(autherr.KindLoginRequired, "signed out while the login was completing")
	}

	c.logger.Info("Signed in", "sub", user.Subject(), "email", logging.MaskEmail(user.Email()))
	return &Result{User: user, Token: tok, Key: key, Transaction: tx}, nil
}

// Profile extracts the user from tok, checking nonce against the ID token.
// Tokens without an ID token fall back to userinfo.
func (c *Completer) Profile(ctx context.Context, tok tokencache.Token, nonce string) (state.UserProfile, error) {
	user, err := c.provider.IDTokenClaims(ctx, tok.IDToken, nonce)
	if errors.Is(err, provider.ErrNoIDToken) {
		user, err = c.provider.UserInfo(ctx, tok.AccessToken)
	}
	if err != nil {
		return nil, autherr.Classify(err)
	}
	if user.Subject() == "" {
		return nil, autherr.New(autherr.KindUnknown, "identity has no subject")
	}
	return user, nil
}
