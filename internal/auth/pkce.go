// Package auth implements credential persistence and the OAuth flows scry
// uses to connect to its chat providers. It covers PKCE generation (RFC 7636),
// the authorization-code flow with PKCE used by Anthropic, the device
// authorization grant (RFC 8628) used by GitHub Copilot, and the on-disk
// credential store shared by all providers.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE holds a code verifier and its derived S256 challenge for one
// authorization attempt. A pair is never reused across attempts.
//
// The verifier is 64 random bytes encoded as unpadded URL-safe base64
// (86 characters); the challenge is base64url(sha256(verifier)) and is
// always 43 characters. The verifier additionally serves as the CSRF
// state parameter in the authorization-code flow.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE code verifier and challenge pair
// following RFC 7636 using a cryptographically secure random source.
func GeneratePKCE() (*PKCE, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return &PKCE{
		Verifier:  verifier,
		Challenge: computeChallenge(verifier),
	}, nil
}

// generateCodeVerifier creates a cryptographically random string of
// 86 characters using unpadded URL-safe base64 encoding.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 64)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// computeChallenge creates the S256 challenge for a verifier:
// base64url(sha256(verifier)), no padding.
func computeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
