package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaStreamChat(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"He"},"done":false}`+"\n")
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"y"},"done":false}`+"\n")
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true}`+"\n")
	}))
	defer srv.Close()

	p := NewOllamaProvider().WithBaseURL(srv.URL)
	events := drain(t, p.StreamChat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}))

	want := []StreamEvent{Token("He"), Token("y"), Done()}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, events[i], want[i])
		}
	}
}

func TestOllamaInlineError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"model not found"}`+"\n")
	}))
	defer srv.Close()

	p := NewOllamaProvider().WithBaseURL(srv.URL)
	events := drain(t, p.StreamChat(context.Background(), nil))
	if len(events) != 1 || events[0].Kind != EventError || events[0].Text != "model not found" {
		t.Errorf("events = %v, want single Error(model not found)", events)
	}
}

func TestOpenRouterStreamChat(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-or-test" {
			t.Errorf("Authorization = %q", got)
		}
		// Comment keepalives must be skipped.
		fmt.Fprint(w, ": OPENROUTER PROCESSING\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider("sk-or-test").WithBaseURL(srv.URL)
	events := drain(t, p.StreamChat(context.Background(), nil))

	want := []StreamEvent{Token("Hi"), Done()}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, events[i], want[i])
		}
	}
}

func TestOpenRouterMissingKey(t *testing.T) {
	t.Parallel()

	p := NewOpenRouterProvider("")
	events := drain(t, p.StreamChat(context.Background(), nil))
	if len(events) != 1 || events[0].Kind != EventError {
		t.Errorf("events = %v, want single Error", events)
	}
}
