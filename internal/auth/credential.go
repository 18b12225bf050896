package auth

import (
	"time"
)

// Credential type discriminators as persisted in the auth file.
const (
	CredentialTypeAPIKey = "api_key"
	CredentialTypeOAuth  = "oauth"
)

// refreshWindow is how close to expiry an OAuth credential may get before
// NeedsRefresh starts reporting true.
const refreshWindow = 5 * time.Minute

// Credential is a stored secret for one provider, either a plain API key or
// an OAuth token pair. Type selects which fields are meaningful.
type Credential struct {
	// Type is either "api_key" or "oauth".
	Type string `json:"type"`
	// Key is the API key value when Type is "api_key".
	Key string `json:"key,omitempty"`
	// AccessToken is the OAuth access token when Type is "oauth".
	AccessToken string `json:"access_token,omitempty"`
	// RefreshToken, when present, can be exchanged for a new access token.
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is when the access token expires; nil means it never does.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// Model is the model chosen when the credential was created, so later
	// connections can skip model selection.
	Model string `json:"model,omitempty"`
}

// NewAPIKey creates an API key credential.
func NewAPIKey(key string) Credential {
	return Credential{Type: CredentialTypeAPIKey, Key: key}
}

// NewOAuth creates an OAuth credential. refreshToken may be empty and
// expiresAt may be nil for tokens that never expire.
func NewOAuth(accessToken, refreshToken string, expiresAt *time.Time) Credential {
	return Credential{
		Type:         CredentialTypeOAuth,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
}

// Token returns the value to present on API requests: the key for API key
// credentials, the access token for OAuth credentials.
func (c Credential) Token() string {
	if c.Type == CredentialTypeAPIKey {
		return c.Key
	}
	return c.AccessToken
}

// IsExpired reports whether the credential has expired. API keys never
// expire, nor do OAuth tokens without an expiry.
func (c Credential) IsExpired() bool {
	if c.Type != CredentialTypeOAuth || c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(time.Now())
}

// NeedsRefresh reports whether the credential should be refreshed: true only
// when a refresh token exists and expiry is within five minutes.
func (c Credential) NeedsRefresh() bool {
	if c.Type != CredentialTypeOAuth || c.RefreshToken == "" || c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(time.Now().Add(refreshWindow))
}
