package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// drain collects every event until the channel closes.
func drain(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close, events so far: %v", events)
		}
	}
}

func copilotTestServer(t *testing.T, chatHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/copilot_internal/v2/token", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer gho_test" {
			t.Errorf("token exchange Authorization = %q", got)
		}
		fmt.Fprintf(w, `{"token":"cop_tok","expires_at":%d}`, time.Now().Add(time.Hour).Unix())
	})
	mux.HandleFunc("/chat/completions", chatHandler)
	return httptest.NewServer(mux)
}

func TestCopilotStreamChat(t *testing.T) {
	t.Parallel()

	srv := copilotTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer cop_tok" {
			t.Errorf("chat Authorization = %q, want exchanged token", got)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading request body: %v", err)
		}
		if model := gjson.GetBytes(body, "model").String(); model != "gpt-4o" {
			t.Errorf("request model = %q", model)
		}
		if role := gjson.GetBytes(body, "messages.0.role").String(); role != "user" {
			t.Errorf("messages[0].role = %q", role)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	})
	defer srv.Close()

	p := NewCopilotProvider("gho_test").WithModel("gpt-4o").WithBaseURL(srv.URL).WithTokenURL(srv.URL + "/copilot_internal/v2/token")
	events := drain(t, p.StreamChat(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}}))

	want := []StreamEvent{Token("Hi"), Token(" there"), Done()}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, events[i], want[i])
		}
	}
}

func TestCopilotTokenCached(t *testing.T) {
	t.Parallel()

	var exchanges atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/copilot_internal/v2/token", func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		fmt.Fprintf(w, `{"token":"cop_tok","expires_at":%d}`, time.Now().Add(time.Hour).Unix())
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewCopilotProvider("gho_test").WithBaseURL(srv.URL).WithTokenURL(srv.URL + "/copilot_internal/v2/token")
	for i := 0; i < 3; i++ {
		drain(t, p.StreamChat(context.Background(), nil))
	}
	if n := exchanges.Load(); n != 1 {
		t.Errorf("token exchanged %d times across 3 chats, want 1", n)
	}
}

func TestCopilotAuthError(t *testing.T) {
	t.Parallel()

	srv := copilotTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	})
	defer srv.Close()

	p := NewCopilotProvider("gho_test").WithBaseURL(srv.URL).WithTokenURL(srv.URL + "/copilot_internal/v2/token")
	events := drain(t, p.StreamChat(context.Background(), nil))

	if len(events) != 1 || events[0].Kind != EventAuthError {
		t.Errorf("events = %v, want single AuthError", events)
	}
}

func TestCopilotNotAuthenticated(t *testing.T) {
	t.Parallel()

	p := NewCopilotProvider("")
	events := drain(t, p.StreamChat(context.Background(), nil))
	if len(events) != 1 || events[0].Kind != EventError {
		t.Errorf("events = %v, want single Error", events)
	}
	if p.IsConfigured() {
		t.Error("IsConfigured() = true without an OAuth token")
	}
}
