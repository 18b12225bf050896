package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scrylabs/scry/internal/auth"
)

func TestValidatorAcceptsAndRejects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("x-api-key") {
		case "sk-ant-good":
			w.Write([]byte(`{"data":[]}`))
		default:
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	v := NewValidator().WithBaseURL(srv.URL)

	if err := v.Validate(context.Background(), Anthropic, auth.NewAPIKey("sk-ant-good")); err != nil {
		t.Errorf("Validate(good key) error = %v", err)
	}
	if err := v.Validate(context.Background(), Anthropic, auth.NewAPIKey("sk-ant-bad")); err == nil {
		t.Error("Validate(bad key) should fail")
	}
}

func TestValidatorOllamaConnectivity(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	v := NewValidator().WithBaseURL(srv.URL)
	if err := v.Validate(context.Background(), Ollama, auth.Credential{}); err != nil {
		t.Errorf("Validate(ollama) error = %v", err)
	}
}
