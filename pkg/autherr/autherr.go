// Package autherr defines the closed set of authentication failure kinds and
// maps raw provider, transport and flow failures onto it.
package autherr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of authentication failure.
type Kind string

const (
	KindLoginRequired       Kind = "login_required"
	KindConsentRequired     Kind = "consent_required"
	KindInteractionRequired Kind = "interaction_required"
	KindAccessDenied        Kind = "access_denied"
	KindInvalidState        Kind = "invalid_state"
	KindPopupClosed         Kind = "popup_closed"
	KindTimeout             Kind = "timeout"
	KindNetworkError        Kind = "network_error"
	KindUnknown             Kind = "unknown"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindLoginRequired,
	KindConsentRequired,
	KindInteractionRequired,
	KindAccessDenied,
	KindInvalidState,
	KindPopupClosed,
	KindTimeout,
	KindNetworkError,
	KindUnknown,
}

// Retryable reports whether a failure of this kind may succeed if simply
// attempted again.
func (k Kind) Retryable() bool {
	return k == KindNetworkError || k == KindTimeout
}

// RequiresInteraction reports whether the kind means the provider session
// cannot be used without the user in front of it.
func (k Kind) RequiresInteraction() bool {
	switch k {
	case KindLoginRequired, KindConsentRequired, KindInteractionRequired:
		return true
	}
	return false
}

// Error is a classified authentication failure.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.Retryable()}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches any *Error with the same kind, so callers can write
// errors.Is(err, autherr.ErrLoginRequired).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrLoginRequired       = New(KindLoginRequired, "")
	ErrConsentRequired     = New(KindConsentRequired, "")
	ErrInteractionRequired = New(KindInteractionRequired, "")
	ErrAccessDenied        = New(KindAccessDenied, "")
	ErrInvalidState        = New(KindInvalidState, "")
	ErrPopupClosed         = New(KindPopupClosed, "")
	ErrTimeout             = New(KindTimeout, "")
	ErrNetwork             = New(KindNetworkError, "")
	ErrUnknown             = New(KindUnknown, "")
)

// KindOf returns the kind of err after classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// ProviderError carries an error reported by the identity provider through
// the callback URL or a token endpoint response body.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}
