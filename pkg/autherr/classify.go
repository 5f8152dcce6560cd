package autherr

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

var codeKinds = map[string]Kind{
	"login_required":             KindLoginRequired,
	"missing_refresh_token":      KindLoginRequired,
	"consent_required":           KindConsentRequired,
	"interaction_required":       KindInteractionRequired,
	"account_selection_required": KindInteractionRequired,
	"access_denied":              KindAccessDenied,
	"unauthorized":               KindAccessDenied,
	"invalid_grant":              KindAccessDenied,
	"invalid_state":              KindInvalidState,
	"state_mismatch":             KindInvalidState,
	"invalid_nonce":              KindInvalidState,
	"popup_closed":               KindPopupClosed,
	"cancelled":                  KindPopupClosed,
	"timeout":                    KindTimeout,
	"temporarily_unavailable":    KindNetworkError,
	"server_error":               KindNetworkError,
}

// KindForCode maps a provider error code to a kind. Unrecognized codes map
// to KindUnknown.
func KindForCode(code string) Kind {
	if kind, ok := codeKinds[strings.ToLower(strings.TrimSpace(code))]; ok {
		return kind
	}
	return KindUnknown
}

// FromCode classifies a provider error code and description.
func FromCode(code, description string) *Error {
	kind := KindForCode(code)
	msg := description
	if msg == "" {
		msg = code
	} else if kind == KindUnknown && code != "" {
		msg = code + ": " + description
	}
	return New(kind, msg)
}

// Classify maps err onto the taxonomy. An *Error anywhere in the chain is
// returned as is. Classify never panics and returns nil only for nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return FromCode(pe.Code, pe.Description)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return classifyRetrieve(re)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return New(KindUnknown, err.Error())
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return New(KindTimeout, err.Error())
	}

	var (
		ue *url.Error
		oe *net.OpError
		de *net.DNSError
	)
	if errors.As(err, &ue) || errors.As(err, &oe) || errors.As(err, &de) {
		return New(KindNetworkError, err.Error())
	}

	return New(KindUnknown, err.Error())
}

func classifyRetrieve(re *oauth2.RetrieveError) *Error {
	if re.ErrorCode != "" {
		return FromCode(re.ErrorCode, re.ErrorDescription)
	}
	if re.Response != nil && re.Response.StatusCode >= 500 {
		return Newf(KindNetworkError, "token endpoint returned %s", re.Response.Status)
	}
	return New(KindUnknown, re.Error())
}
