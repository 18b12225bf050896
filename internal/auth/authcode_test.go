package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestFlow(t *testing.T, method AuthMethod) *AuthCodeFlow {
	t.Helper()
	flow, err := NewAuthCodeFlow(method)
	if err != nil {
		t.Fatalf("NewAuthCodeFlow() error = %v", err)
	}
	return flow
}

func TestAuthURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		method   AuthMethod
		wantBase string
	}{
		{"claude pro uses claude.ai", MethodClaudePro, AuthURLClaude},
		{"create key uses console", MethodCreateKey, AuthURLConsole},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			flow := newTestFlow(t, tt.method)
			raw := flow.AuthURL()
			if !strings.HasPrefix(raw, tt.wantBase+"?") {
				t.Fatalf("AuthURL() = %q, want prefix %q", raw, tt.wantBase)
			}

			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("AuthURL() is not parseable: %v", err)
			}
			q := u.Query()

			want := map[string]string{
				"code":                  "true",
				"client_id":             AnthropicClientID,
				"response_type":         "code",
				"redirect_uri":          RedirectURI,
				"scope":                 Scopes,
				"code_challenge_method": "S256",
				"code_challenge":        flow.pkce.Challenge,
				"state":                 flow.pkce.Verifier,
			}
			for k, v := range want {
				if got := q.Get(k); got != v {
					t.Errorf("query %s = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestExchangeCodeRejectsBeforeNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	flow := newTestFlow(t, MethodClaudePro)
	flow.tokenURL = srv.URL

	tests := []struct {
		name  string
		input string
		check func(error) bool
	}{
		{"missing separator", "justacode", IsFormatError},
		{"empty code", "#" + "somestate", IsFormatError},
		{"empty state", "somecode#", IsFormatError},
		{"state mismatch", "somecode#wrong-state", IsCSRFError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := flow.ExchangeCode(context.Background(), tt.input)
			if err == nil {
				t.Fatal("ExchangeCode() should fail")
			}
			if !tt.check(err) {
				t.Errorf("error = %v, wrong classification", err)
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("token endpoint was hit %d times, want 0", n)
	}
}

func TestExchangeCodeSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		if body["grant_type"] != "authorization_code" {
			t.Errorf("grant_type = %q", body["grant_type"])
		}
		if body["code"] != "the-code" {
			t.Errorf("code = %q", body["code"])
		}
		if body["code_verifier"] == "" {
			t.Error("code_verifier missing from exchange request")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	}))
	defer srv.Close()

	flow := newTestFlow(t, MethodClaudePro)
	flow.tokenURL = srv.URL

	token, err := flow.ExchangeCode(context.Background(), "the-code#"+flow.pkce.Verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if token.AccessToken != "new-access" || token.RefreshToken != "new-refresh" {
		t.Errorf("token = %+v", token)
	}
	if at := token.ExpiresAt(); at == nil {
		t.Error("ExpiresAt() = nil for expires_in=3600")
	}
}

func TestExchangeCodeServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	flow := newTestFlow(t, MethodCreateKey)
	flow.tokenURL = srv.URL

	_, err := flow.ExchangeCode(context.Background(), "bad-code#"+flow.pkce.Verifier)
	if err == nil {
		t.Fatal("ExchangeCode() should fail on 400")
	}
	perr, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("error = %T, want *ProtocolError", err)
	}
	if perr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", perr.StatusCode)
	}
}

func TestTokenResponseExpiresAt(t *testing.T) {
	t.Parallel()

	if at := (&TokenResponse{ExpiresIn: 0}).ExpiresAt(); at != nil {
		t.Errorf("ExpiresAt() = %v for expires_in=0, want nil", at)
	}
	if at := (&TokenResponse{ExpiresIn: 60}).ExpiresAt(); at == nil {
		t.Error("ExpiresAt() = nil for expires_in=60")
	}
}
