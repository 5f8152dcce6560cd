package tokencache

import "time"

// Token is a cached set of credentials for one Key.
type Token struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// FreshAt reports whether the token can still be handed out at now, given
// the expiry leeway.
func (t Token) FreshAt(now time.Time, leeway time.Duration) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-leeway))
}
