package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scrylabs/scry/internal/auth"
)

// Validator checks credentials against the live provider APIs before they
// are persisted. Base URLs are overridable for tests.
type Validator struct {
	client           *http.Client
	anthropicBase    string
	openRouterBase   string
	ollamaBase       string
	copilotTokenBase string
}

// NewValidator creates a validator against the real provider endpoints.
func NewValidator() *Validator {
	return &Validator{
		client:           &http.Client{Timeout: 15 * time.Second},
		anthropicBase:    Anthropic.DefaultBaseURL(),
		openRouterBase:   OpenRouter.DefaultBaseURL(),
		ollamaBase:       Ollama.DefaultBaseURL(),
		copilotTokenBase: "https://api.github.com",
	}
}

// WithBaseURL points every endpoint at base, for tests.
func (v *Validator) WithBaseURL(base string) *Validator {
	base = strings.TrimSuffix(base, "/")
	v.anthropicBase = base
	v.openRouterBase = base
	v.ollamaBase = base
	v.copilotTokenBase = base
	return v
}

// Validate performs a minimal live request proving the credential works.
// A nil return means the credential was accepted.
func (v *Validator) Validate(ctx context.Context, provider Provider, cred auth.Credential) error {
	start := time.Now()
	var err error
	switch provider {
	case Anthropic:
		err = v.validateAnthropic(ctx, cred)
	case GitHubCopilot:
		err = v.validateCopilot(ctx, cred)
	case OpenRouter:
		err = v.validateOpenRouter(ctx, cred)
	case Ollama:
		err = v.validateOllama(ctx)
	default:
		err = fmt.Errorf("unknown provider")
	}
	log.WithFields(log.Fields{
		"provider": provider.DisplayName(),
		"elapsed":  time.Since(start),
		"ok":       err == nil,
	}).Debug("credential validation")
	return err
}

// validateAnthropic lists models, which accepts both API keys and OAuth
// tokens without consuming any inference quota.
func (v *Validator) validateAnthropic(ctx context.Context, cred auth.Credential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.anthropicBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("anthropic-version", anthropicVersion)
	if cred.Type == auth.CredentialTypeOAuth {
		req.Header.Set("Authorization", "Bearer "+cred.Token())
		req.Header.Set("anthropic-beta", anthropicOAuthBeta)
	} else {
		req.Header.Set("x-api-key", cred.Token())
	}
	return v.expectOK(req, "Anthropic")
}

// validateCopilot attempts the OAuth-to-Copilot token exchange; success
// proves both that the GitHub token is live and that the account has
// Copilot access.
func (v *Validator) validateCopilot(ctx context.Context, cred auth.Credential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.copilotTokenBase+"/copilot_internal/v2/token", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", copilotEditorVersion)
	return v.expectOK(req, "GitHub Copilot")
}

// validateOpenRouter fetches the key's own metadata.
func (v *Validator) validateOpenRouter(ctx context.Context, cred auth.Credential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.openRouterBase+"/key", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token())
	return v.expectOK(req, "OpenRouter")
}

// validateOllama only checks that a server is answering.
func (v *Validator) validateOllama(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.ollamaBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	if err := v.expectOK(req, "Ollama"); err != nil {
		return fmt.Errorf("cannot reach Ollama. Is it running? Start with: ollama serve")
	}
	return nil
}

func (v *Validator) expectOK(req *http.Request, name string) error {
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s rejected the credential (%d)", name, resp.StatusCode)
	}
	return fmt.Errorf("%s validation failed (%d): %s", name, resp.StatusCode, string(body))
}
