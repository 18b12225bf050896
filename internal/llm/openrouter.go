package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenRouterProvider streams chat completions from OpenRouter's
// OpenAI-compatible API.
type OpenRouterProvider struct {
	client  *http.Client
	baseURL string
	model   string
	apiKey  string
}

// NewOpenRouterProvider creates a provider around an API key.
func NewOpenRouterProvider(apiKey string) *OpenRouterProvider {
	return &OpenRouterProvider{
		client:  &http.Client{Timeout: 5 * time.Minute},
		baseURL: OpenRouter.DefaultBaseURL(),
		model:   OpenRouter.DefaultModel(),
		apiKey:  apiKey,
	}
}

// WithModel overrides the model.
func (p *OpenRouterProvider) WithModel(model string) *OpenRouterProvider {
	if model != "" {
		p.model = model
	}
	return p
}

// WithBaseURL overrides the API base URL.
func (p *OpenRouterProvider) WithBaseURL(base string) *OpenRouterProvider {
	if base != "" {
		p.baseURL = strings.TrimSuffix(base, "/")
	}
	return p
}

// ProviderKind implements LlmProvider.
func (p *OpenRouterProvider) ProviderKind() Provider { return OpenRouter }

// Model implements LlmProvider.
func (p *OpenRouterProvider) Model() string { return p.model }

// DisplayName implements LlmProvider.
func (p *OpenRouterProvider) DisplayName() string { return OpenRouter.DisplayName() }

// IsConfigured implements LlmProvider.
func (p *OpenRouterProvider) IsConfigured() bool { return p.apiKey != "" }

// StreamChat implements LlmProvider.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []ChatMessage) <-chan StreamEvent {
	ch := make(chan StreamEvent, streamBufferSize)
	go func() {
		defer close(ch)
		p.streamChat(ctx, messages, ch)
	}()
	return ch
}

func (p *OpenRouterProvider) streamChat(ctx context.Context, messages []ChatMessage, ch chan<- StreamEvent) {
	if p.apiKey == "" {
		emit(ctx, ch, Errorf("OpenRouter API key not configured. Set OPENROUTER_API_KEY or connect a key."))
		return
	}

	payload, err := buildOpenAIRequest(p.model, messages)
	if err != nil {
		emit(ctx, ch, Errorf(fmt.Sprintf("failed to encode request: %v", err)))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		emit(ctx, ch, Errorf(err.Error()))
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	// OpenRouter attribution headers.
	req.Header.Set("HTTP-Referer", "https://github.com/scrylabs/scry")
	req.Header.Set("X-Title", "scry")

	resp, err := p.client.Do(req)
	if err != nil {
		emit(ctx, ch, Errorf(fmt.Sprintf("request failed: %v", err)))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		emit(ctx, ch, Errorf(fmt.Sprintf("OpenRouter API error (%d): %s", resp.StatusCode, string(body))))
		return
	}

	// OpenRouter interleaves ": OPENROUTER PROCESSING" comment lines with
	// data lines while the upstream model warms up; readOpenAIStream skips
	// anything without a data prefix.
	readOpenAIStream(ctx, resp.Body, ch)
}
