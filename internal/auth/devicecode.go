package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// GitHub OAuth app registration for Copilot access.
const (
	// GitHubClientID is the public client identifier for the device flow.
	GitHubClientID = "Iv1.b507a08c87ecfe98"
	// GitHubDeviceCodeURL is the device authorization endpoint.
	GitHubDeviceCodeURL = "https://github.com/login/device/code"
	// GitHubTokenURL is the access token endpoint polled during the flow.
	GitHubTokenURL = "https://github.com/login/oauth/access_token"
	// GitHubScope is the scope requested for Copilot usage.
	GitHubScope = "read:user"

	// deviceCodeGrantType is the RFC 8628 grant type identifier.
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// defaultPollInterval is used when the server omits an interval.
	defaultPollInterval = 5 * time.Second
)

// DeviceCode is the device authorization response. The user visits
// VerificationURI and types UserCode while the client polls the token
// endpoint.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`

	issuedAt time.Time
}

// ExpiresAt returns the instant after which the device code is no longer
// usable.
func (d *DeviceCode) ExpiresAt() time.Time {
	return d.issuedAt.Add(time.Duration(d.ExpiresIn) * time.Second)
}

// PollInterval returns the server-requested interval between polls,
// falling back to the RFC 8628 default of five seconds.
func (d *DeviceCode) PollInterval() time.Duration {
	if d.Interval <= 0 {
		return defaultPollInterval
	}
	return time.Duration(d.Interval) * time.Second
}

// PollStatus classifies one poll of the token endpoint.
type PollStatus int

const (
	// PollSuccess means a token was granted.
	PollSuccess PollStatus = iota
	// PollPending means the user has not approved yet.
	PollPending
	// PollSlowDown means the client must add five seconds to its interval.
	PollSlowDown
	// PollExpired means the device code lifetime elapsed.
	PollExpired
	// PollDenied means the user declined the authorization.
	PollDenied
)

// DeviceCodeConfig describes a device flow target. Endpoints are
// configurable so tests can run against a local server and so other
// RFC 8628 providers can reuse the flow.
type DeviceCodeConfig struct {
	ClientID      string
	Scope         string
	DeviceCodeURL string
	TokenURL      string
}

// GitHubCopilotConfig returns the config for GitHub's device flow as used
// by Copilot.
func GitHubCopilotConfig() DeviceCodeConfig {
	return DeviceCodeConfig{
		ClientID:      GitHubClientID,
		Scope:         GitHubScope,
		DeviceCodeURL: GitHubDeviceCodeURL,
		TokenURL:      GitHubTokenURL,
	}
}

// DeviceCodeFlow drives the RFC 8628 device authorization grant. The clock
// and sleep functions are injectable so polling behavior is testable
// without real delays.
type DeviceCodeFlow struct {
	config     DeviceCodeConfig
	httpClient *http.Client

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDeviceCodeFlow creates a flow for the given provider config.
func NewDeviceCodeFlow(config DeviceCodeConfig) *DeviceCodeFlow {
	return &DeviceCodeFlow{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// WithClock overrides the flow's time source and sleeper. Tests use this
// to run polling loops without real delays.
func (f *DeviceCodeFlow) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *DeviceCodeFlow {
	if now != nil {
		f.now = now
	}
	if sleep != nil {
		f.sleep = sleep
	}
	return f
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RequestDeviceCode asks the authorization server for a new device and
// user code pair.
//
// Parameters:
//   - ctx: Context for the request.
//
// Returns:
//   - The device code response with its issuance time recorded.
//   - *ProtocolError for non-2xx or unparseable responses.
func (f *DeviceCodeFlow) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	form := url.Values{}
	form.Set("client_id", f.config.ClientID)
	form.Set("scope", f.config.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.DeviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read device code response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProtocolError{Op: "device code request", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var code DeviceCode
	if err := json.Unmarshal(body, &code); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}
	if code.DeviceCode == "" || code.UserCode == "" {
		return nil, &ProtocolError{Op: "device code request", StatusCode: resp.StatusCode, Body: string(body)}
	}
	code.issuedAt = f.now()

	log.WithFields(log.Fields{
		"user_code":  code.UserCode,
		"expires_in": code.ExpiresIn,
		"interval":   code.Interval,
	}).Debug("device code issued")
	return &code, nil
}

// PollOnce performs a single poll of the token endpoint. GitHub answers
// polls with HTTP 200 regardless of outcome, so the body is inspected for
// an access token first and an error code second.
//
// Returns:
//   - The token and PollSuccess when granted.
//   - A nil token and the status for pending, slow_down, expired_token
//     and access_denied outcomes.
//   - *ProtocolError when the response fits neither shape.
func (f *DeviceCodeFlow) PollOnce(ctx context.Context, code *DeviceCode) (*TokenResponse, PollStatus, error) {
	form := url.Values{}
	form.Set("client_id", f.config.ClientID)
	form.Set("device_code", code.DeviceCode)
	form.Set("grant_type", deviceCodeGrantType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, PollPending, fmt.Errorf("failed to create poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, PollPending, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, PollPending, fmt.Errorf("failed to read poll response: %w", err)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, PollPending, &ProtocolError{Op: "device token poll", StatusCode: resp.StatusCode, Body: string(body)}
	}

	if parsed.AccessToken != "" {
		return &TokenResponse{
			AccessToken:  parsed.AccessToken,
			RefreshToken: parsed.RefreshToken,
			ExpiresIn:    parsed.ExpiresIn,
			TokenType:    parsed.TokenType,
			Scope:        parsed.Scope,
		}, PollSuccess, nil
	}

	switch parsed.Error {
	case "authorization_pending":
		return nil, PollPending, nil
	case "slow_down":
		return nil, PollSlowDown, nil
	case "expired_token":
		return nil, PollExpired, nil
	case "access_denied":
		return nil, PollDenied, nil
	default:
		return nil, PollPending, &ProtocolError{Op: "device token poll", StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// PollForToken polls the token endpoint until the user completes or
// declines authorization, the device code expires, or ctx is cancelled.
// The interval starts at the server-requested value and only ever grows:
// each slow_down response adds five seconds for the rest of the attempt.
//
// Parameters:
//   - ctx: Context bounding the whole polling loop.
//   - code: The device code being polled.
//   - onPending: Optional callback invoked after each pending poll with
//     the time remaining before expiry. Slow-down responses adjust the
//     interval without firing it.
//
// Returns:
//   - The granted token on success.
//   - ErrDeviceCodeExpired, ErrAccessDenied, a *ProtocolError, or the
//     context error.
func (f *DeviceCodeFlow) PollForToken(ctx context.Context, code *DeviceCode, onPending func(remaining time.Duration)) (*TokenResponse, error) {
	interval := code.PollInterval()
	deadline := code.ExpiresAt()

	for {
		if !f.now().Before(deadline) {
			return nil, ErrDeviceCodeExpired
		}
		if err := f.sleep(ctx, interval); err != nil {
			return nil, err
		}

		token, status, err := f.PollOnce(ctx, code)
		if err != nil {
			return nil, err
		}

		switch status {
		case PollSuccess:
			log.Debug("device flow authorized")
			return token, nil
		case PollExpired:
			return nil, ErrDeviceCodeExpired
		case PollDenied:
			return nil, ErrAccessDenied
		case PollSlowDown:
			interval += 5 * time.Second
			log.Debugf("server requested slow down, interval now %s", interval)
		}

		if status == PollPending && onPending != nil {
			remaining := deadline.Sub(f.now())
			if remaining < 0 {
				remaining = 0
			}
			onPending(remaining)
		}
	}
}
