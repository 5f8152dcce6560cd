package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestKindForCode(t *testing.T) {
	tests := []struct {
		code string
		want Kind
	}{
		{"login_required", KindLoginRequired},
		{"missing_refresh_token", KindLoginRequired},
		{"consent_required", KindConsentRequired},
		{"interaction_required", KindInteractionRequired},
		{"account_selection_required", KindInteractionRequired},
		{"access_denied", KindAccessDenied},
		{"unauthorized", KindAccessDenied},
		{"invalid_grant", KindAccessDenied},
		{"invalid_state", KindInvalidState},
		{"state_mismatch", KindInvalidState},
		{"invalid_nonce", KindInvalidState},
		{"popup_closed", KindPopupClosed},
		{"cancelled", KindPopupClosed},
		{"timeout", KindTimeout},
		{"temporarily_unavailable", KindNetworkError},
		{"server_error", KindNetworkError},
		{" Login_Required ", KindLoginRequired},
		{"mfa_required", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, KindForCode(tt.code))
		})
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range Kinds {
		want := k == KindNetworkError || k == KindTimeout
		assert.Equal(t, want, New(k, "x").Retryable, string(k))
	}
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(KindLoginRequired, "Login required"))

	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.NotErrorIs(t, err, ErrConsentRequired)
	assert.Equal(t, "login_required: Login required", New(KindLoginRequired, "Login required").Error())
	assert.Equal(t, "timeout", ErrTimeout.Error())
}

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestClassify_PassesThroughExistingError(t *testing.T) {
	original := New(KindAccessDenied, "denied")
	got := Classify(fmt.Errorf("ctx: %w", original))
	assert.Same(t, original, got)
}

func TestClassify_ProviderError(t *testing.T) {
	got := Classify(&ProviderError{Code: "access_denied", Description: "User cancelled"})
	require.NotNil(t, got)
	assert.Equal(t, KindAccessDenied, got.Kind)
	assert.Equal(t, "User cancelled", got.Message)
	assert.False(t, got.Retryable)

	got = Classify(&ProviderError{Code: "weird_code", Description: "strange"})
	assert.Equal(t, KindUnknown, got.Kind)
	assert.Equal(t, "weird_code: strange", got.Message)
}

func TestClassify_RetrieveError(t *testing.T) {
	got := Classify(&oauth2.RetrieveError{
		Response:         &http.Response{StatusCode: http.StatusForbidden, Status: "403 Forbidden"},
		ErrorCode:        "invalid_grant",
		ErrorDescription: "Unknown or invalid refresh token.",
	})
	assert.Equal(t, KindAccessDenied, got.Kind)
	assert.Equal(t, "Unknown or invalid refresh token.", got.Message)

	got = Classify(&oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway"},
	})
	assert.Equal(t, KindNetworkError, got.Kind)
	assert.True(t, got.Retryable)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_TransportErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(&url.Error{Op: "Post", URL: "https://idp", Err: timeoutErr{}}))
	assert.Equal(t, KindNetworkError, KindOf(&url.Error{Op: "Post", URL: "https://idp", Err: errors.New("connection refused")}))
	assert.Equal(t, KindNetworkError, KindOf(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, KindNetworkError, KindOf(&net.DNSError{Err: "no such host", Name: "idp"}))
}

func TestClassify_UnknownKeepsMessage(t *testing.T) {
	got := Classify(errors.New("something odd"))
	assert.Equal(t, KindUnknown, got.Kind)
	assert.Equal(t, "something odd", got.Message)
}

func TestRequiresInteraction(t *testing.T) {
	assert.True(t, KindLoginRequired.RequiresInteraction())
	assert.True(t, KindConsentRequired.RequiresInteraction())
	assert.True(t, KindInteractionRequired.RequiresInteraction())
	assert.False(t, KindAccessDenied.RequiresInteraction())
}
