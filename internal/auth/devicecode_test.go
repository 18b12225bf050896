package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock lets polling tests advance time only through recorded sleeps.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func newTestDeviceFlow(srvURL string, clock *fakeClock) *DeviceCodeFlow {
	flow := NewDeviceCodeFlow(DeviceCodeConfig{
		ClientID:      "test-client",
		Scope:         "read:user",
		DeviceCodeURL: srvURL + "/device",
		TokenURL:      srvURL + "/token",
	})
	flow.now = clock.Now
	flow.sleep = clock.Sleep
	return flow
}

func TestRequestDeviceCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.Form.Get("client_id"); got != "test-client" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.Form.Get("scope"); got != "read:user" {
			t.Errorf("scope = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://github.com/login/device",
			"expires_in":       900,
			"interval":         5,
		})
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	flow := newTestDeviceFlow(srv.URL, clock)

	code, err := flow.RequestDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("RequestDeviceCode() error = %v", err)
	}
	if code.UserCode != "ABCD-1234" || code.DeviceCode != "dev-123" {
		t.Errorf("code = %+v", code)
	}
	if got, want := code.ExpiresAt(), clock.now.Add(900*time.Second); !got.Equal(want) {
		t.Errorf("ExpiresAt() = %v, want %v", got, want)
	}
	if got := code.PollInterval(); got != 5*time.Second {
		t.Errorf("PollInterval() = %v, want 5s", got)
	}
}

func TestPollForTokenPendingThenSuccess(t *testing.T) {
	t.Parallel()

	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.Form.Get("grant_type"); got != deviceCodeGrantType {
			t.Errorf("grant_type = %q", got)
		}
		// GitHub answers 200 for every outcome.
		if n <= 2 {
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gho_token",
			"token_type":   "bearer",
			"scope":        "read:user",
		})
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	flow := newTestDeviceFlow(srv.URL, clock)

	code := &DeviceCode{
		DeviceCode: "dev-123",
		UserCode:   "ABCD-1234",
		ExpiresIn:  900,
		Interval:   5,
		issuedAt:   clock.now,
	}

	var pendingCalls int
	token, err := flow.PollForToken(context.Background(), code, func(remaining time.Duration) {
		pendingCalls++
		if remaining <= 0 {
			t.Errorf("onPending remaining = %v, want > 0", remaining)
		}
	})
	if err != nil {
		t.Fatalf("PollForToken() error = %v", err)
	}
	if token.AccessToken != "gho_token" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
	if token.ExpiresAt() != nil {
		t.Error("ExpiresAt() should be nil when expires_in is absent")
	}
	if polls.Load() != 3 {
		t.Errorf("polls = %d, want 3", polls.Load())
	}
	if pendingCalls != 2 {
		t.Errorf("onPending calls = %d, want 2", pendingCalls)
	}
}

func TestPollForTokenSlowDown(t *testing.T) {
	t.Parallel()

	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(map[string]string{"error": "slow_down"})
		case 2:
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"access_token": "gho_token"})
		}
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	flow := newTestDeviceFlow(srv.URL, clock)

	var sleeps []time.Duration
	flow.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return clock.Sleep(ctx, d)
	}

	code := &DeviceCode{DeviceCode: "dev", UserCode: "UC", ExpiresIn: 900, Interval: 5, issuedAt: clock.now}
	var pendingCalls int
	onPending := func(time.Duration) { pendingCalls++ }
	if _, err := flow.PollForToken(context.Background(), code, onPending); err != nil {
		t.Fatalf("PollForToken() error = %v", err)
	}

	// Only the authorization_pending poll reports progress; slow_down
	// adjusts the interval silently.
	if pendingCalls != 1 {
		t.Errorf("onPending calls = %d, want 1", pendingCalls)
	}

	// 5s before the first poll, then 10s for every poll after slow_down.
	want := []time.Duration{5 * time.Second, 10 * time.Second, 10 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestPollForTokenTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		errCode string
		want    error
	}{
		{"denied", "access_denied", ErrAccessDenied},
		{"expired", "expired_token", ErrDeviceCodeExpired},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"error": tt.errCode})
			}))
			defer srv.Close()

			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			flow := newTestDeviceFlow(srv.URL, clock)

			code := &DeviceCode{DeviceCode: "dev", UserCode: "UC", ExpiresIn: 900, Interval: 1, issuedAt: clock.now}
			_, err := flow.PollForToken(context.Background(), code, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPollForTokenDeadline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	flow := newTestDeviceFlow(srv.URL, clock)

	// The server stays pending, so the 16s lifetime elapses.
	code := &DeviceCode{DeviceCode: "dev", UserCode: "UC", ExpiresIn: 16, Interval: 5, issuedAt: clock.now}
	_, err := flow.PollForToken(context.Background(), code, nil)
	if !errors.Is(err, ErrDeviceCodeExpired) {
		t.Errorf("error = %v, want ErrDeviceCodeExpired", err)
	}
}

func TestPollOnceUnparseable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	flow := newTestDeviceFlow(srv.URL, clock)

	_, _, err := flow.PollOnce(context.Background(), &DeviceCode{DeviceCode: "dev"})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("error = %T, want *ProtocolError", err)
	}
}
