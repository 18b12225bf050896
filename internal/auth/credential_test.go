package auth

import (
	"testing"
	"time"
)

func TestCredentialToken(t *testing.T) {
	t.Parallel()

	if got := NewAPIKey("sk-ant-xyz").Token(); got != "sk-ant-xyz" {
		t.Errorf("api key Token() = %q, want %q", got, "sk-ant-xyz")
	}
	if got := NewOAuth("acc", "ref", nil).Token(); got != "acc" {
		t.Errorf("oauth Token() = %q, want %q", got, "acc")
	}
}

func TestCredentialIsExpired(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"api key never expires", NewAPIKey("k"), false},
		{"oauth without expiry", NewOAuth("a", "r", nil), false},
		{"oauth expired", NewOAuth("a", "r", &past), true},
		{"oauth still valid", NewOAuth("a", "r", &future), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cred.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredentialNeedsRefresh(t *testing.T) {
	t.Parallel()

	soon := time.Now().Add(2 * time.Minute)
	far := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"api key never refreshes", NewAPIKey("k"), false},
		{"no refresh token", NewOAuth("a", "", &soon), false},
		{"no expiry", NewOAuth("a", "r", nil), false},
		{"expiry far away", NewOAuth("a", "r", &far), false},
		{"inside refresh window", NewOAuth("a", "r", &soon), true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cred.NeedsRefresh(); got != tt.want {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}
