package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scrylabs/scry/internal/browser"
)

// Anthropic OAuth endpoints and client registration. The client ID is the
// public identifier Anthropic issues for CLI applications; PKCE makes a
// client secret unnecessary.
const (
	// AuthURLClaude is the authorization endpoint for Claude Pro/Max
	// subscription sign-in.
	AuthURLClaude = "https://claude.ai/oauth/authorize"
	// AuthURLConsole is the authorization endpoint for Console accounts,
	// used when the goal is creating an API key.
	AuthURLConsole = "https://console.anthropic.com/oauth/authorize"
	// TokenURL is the code-for-token exchange endpoint.
	TokenURL = "https://console.anthropic.com/v1/oauth/token"

	// AnthropicClientID identifies this application to the authorization
	// server.
	AnthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	// RedirectURI is where the authorization server sends the user after
	// consent. The hosted callback page displays the code for the user to
	// paste back, so no local listener is needed.
	RedirectURI = "https://console.anthropic.com/oauth/code/callback"
	// Scopes requested during authorization.
	Scopes = "org:create_api_key user:profile user:inference"
)

// AuthMethod selects which Anthropic authorization endpoint the flow uses.
type AuthMethod int

const (
	// MethodClaudePro signs in with a Claude Pro/Max subscription. The
	// resulting OAuth token is used directly for inference.
	MethodClaudePro AuthMethod = iota
	// MethodCreateKey signs in to the Console so the user can create a
	// long-lived API key.
	MethodCreateKey
)

// String returns a human-readable name for the method.
func (m AuthMethod) String() string {
	switch m {
	case MethodClaudePro:
		return "claude_pro"
	case MethodCreateKey:
		return "create_api_key"
	default:
		return fmt.Sprintf("auth_method(%d)", int(m))
	}
}

// TokenResponse is the JSON body returned by the token endpoint on success.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// ExpiresAt converts the relative expires_in to an absolute time, or nil
// when the server did not report a lifetime.
func (t *TokenResponse) ExpiresAt() *time.Time {
	if t.ExpiresIn <= 0 {
		return nil
	}
	at := time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	return &at
}

// AuthCodeFlow drives the authorization-code grant with PKCE against
// Anthropic. One flow instance corresponds to one authorization attempt;
// the PKCE verifier generated at construction doubles as the OAuth state
// parameter, so the server echoes it back inside the pasted code and the
// exchange step can detect a swapped response without extra bookkeeping.
type AuthCodeFlow struct {
	method     AuthMethod
	pkce       *PKCE
	httpClient *http.Client
	tokenURL   string
}

// NewAuthCodeFlow creates a flow for the given method with fresh PKCE
// parameters.
//
// Returns:
//   - The flow ready to produce an authorization URL.
//   - An error if secure random generation fails.
func NewAuthCodeFlow(method AuthMethod) (*AuthCodeFlow, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE parameters: %w", err)
	}
	return &AuthCodeFlow{
		method:     method,
		pkce:       pkce,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   TokenURL,
	}, nil
}

// Method returns the method this flow was created with.
func (f *AuthCodeFlow) Method() AuthMethod { return f.method }

// AuthURL builds the authorization URL the user must visit. The URL embeds
// the PKCE challenge and uses the verifier as the state parameter.
func (f *AuthCodeFlow) AuthURL() string {
	base := AuthURLClaude
	if f.method == MethodCreateKey {
		base = AuthURLConsole
	}

	params := url.Values{}
	params.Set("code", "true")
	params.Set("client_id", AnthropicClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", RedirectURI)
	params.Set("scope", Scopes)
	params.Set("code_challenge", f.pkce.Challenge)
	params.Set("code_challenge_method", "S256")
	params.Set("state", f.pkce.Verifier)

	return base + "?" + params.Encode()
}

// OpenBrowser attempts to open the authorization URL in the user's browser.
// Failure is not fatal; the caller should keep displaying the URL so the
// user can open it manually.
func (f *AuthCodeFlow) OpenBrowser() error {
	authURL := f.AuthURL()
	if err := browser.OpenURL(authURL); err != nil {
		log.Warnf("could not open browser automatically: %v", err)
		return err
	}
	return nil
}

// ExchangeCode exchanges the pasted authorization response for tokens. The
// input is what the callback page shows the user, in the form
// "{code}#{state}". Both the format check and the state comparison happen
// before any network traffic.
//
// Parameters:
//   - ctx: Context for the exchange request.
//   - input: The pasted "{code}#{state}" string.
//
// Returns:
//   - The token response on success.
//   - *FormatError when the input has no '#' separator or empty parts,
//     *CSRFError when the echoed state does not match this flow's
//     verifier, *ProtocolError for non-2xx server responses.
func (f *AuthCodeFlow) ExchangeCode(ctx context.Context, input string) (*TokenResponse, error) {
	input = strings.TrimSpace(input)

	idx := strings.Index(input, "#")
	if idx < 0 {
		return nil, &FormatError{Reason: "expected {code}#{state}, missing '#' separator"}
	}
	code := input[:idx]
	state := input[idx+1:]
	if code == "" {
		return nil, &FormatError{Reason: "authorization code part is empty"}
	}
	if state == "" {
		return nil, &FormatError{Reason: "state part is empty"}
	}

	if state != f.pkce.Verifier {
		return nil, &CSRFError{}
	}

	// Anthropic's token endpoint takes a JSON body rather than the usual
	// form encoding.
	payload := map[string]string{
		"code":          code,
		"state":         state,
		"grant_type":    "authorization_code",
		"client_id":     AnthropicClientID,
		"redirect_uri":  RedirectURI,
		"code_verifier": f.pkce.Verifier,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	log.WithField("method", f.method.String()).Debug("exchanging authorization code")
	return f.postToken(ctx, body)
}

// RefreshToken exchanges a refresh token for a new token pair.
//
// Parameters:
//   - ctx: Context for the request.
//   - refreshToken: The refresh token from a previous exchange.
func (f *AuthCodeFlow) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return RefreshAnthropicToken(ctx, f.httpClient, refreshToken)
}

// RefreshAnthropicToken refreshes an Anthropic OAuth token outside of any
// interactive flow, for example when a stored credential is close to
// expiry. A nil client uses a default with a 30 second timeout.
func RefreshAnthropicToken(ctx context.Context, client *http.Client, refreshToken string) (*TokenResponse, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     AnthropicClientID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	f := &AuthCodeFlow{httpClient: client, tokenURL: TokenURL}
	log.Debug("refreshing Anthropic OAuth token")
	return f.postToken(ctx, body)
}

// postToken POSTs a JSON body to the token endpoint and decodes the
// response.
func (f *AuthCodeFlow) postToken(ctx context.Context, body []byte) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProtocolError{
			Op:         "token exchange",
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	var token TokenResponse
	if err := json.Unmarshal(respBody, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, &ProtocolError{
			Op:         "token exchange",
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	return &token, nil
}
