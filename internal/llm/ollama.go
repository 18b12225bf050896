package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// OllamaProvider streams chat completions from a local Ollama server. No
// credentials are involved; being "configured" just means having a base
// URL.
type OllamaProvider struct {
	client  *http.Client
	baseURL string
	model   string
}

// NewOllamaProvider creates a provider against the default local server.
func NewOllamaProvider() *OllamaProvider {
	return &OllamaProvider{
		client:  &http.Client{Timeout: 5 * time.Minute},
		baseURL: Ollama.DefaultBaseURL(),
		model:   Ollama.DefaultModel(),
	}
}

// WithModel overrides the model.
func (p *OllamaProvider) WithModel(model string) *OllamaProvider {
	if model != "" {
		p.model = model
	}
	return p
}

// WithBaseURL overrides the server address.
func (p *OllamaProvider) WithBaseURL(base string) *OllamaProvider {
	if base != "" {
		p.baseURL = strings.TrimSuffix(base, "/")
	}
	return p
}

// ProviderKind implements LlmProvider.
func (p *OllamaProvider) ProviderKind() Provider { return Ollama }

// Model implements LlmProvider.
func (p *OllamaProvider) Model() string { return p.model }

// DisplayName implements LlmProvider.
func (p *OllamaProvider) DisplayName() string { return Ollama.DisplayName() }

// IsConfigured implements LlmProvider.
func (p *OllamaProvider) IsConfigured() bool { return p.baseURL != "" }

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// StreamChat implements LlmProvider.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []ChatMessage) <-chan StreamEvent {
	ch := make(chan StreamEvent, streamBufferSize)
	go func() {
		defer close(ch)
		p.streamChat(ctx, messages, ch)
	}()
	return ch
}

func (p *OllamaProvider) streamChat(ctx context.Context, messages []ChatMessage, ch chan<- StreamEvent) {
	payload, err := json.Marshal(ollamaRequest{Model: p.model, Messages: messages, Stream: true})
	if err != nil {
		emit(ctx, ch, Errorf(fmt.Sprintf("failed to encode request: %v", err)))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		emit(ctx, ch, Errorf(err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		emit(ctx, ch, Errorf("Failed to connect to Ollama. Is it running? Start with: ollama serve"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		emit(ctx, ch, Errorf(fmt.Sprintf("Ollama error (%d): %s", resp.StatusCode, string(body))))
		return
	}

	p.readStream(ctx, resp.Body, ch)
}

// readStream parses Ollama's newline-delimited JSON response. Every line
// is a complete object with optional message content, a done flag, and an
// optional inline error.
func (p *OllamaProvider) readStream(ctx context.Context, body io.Reader, ch chan<- StreamEvent) {
	finished := false

	err := readLines(ctx, body, func(line string) bool {
		if !gjson.Valid(line) {
			return true
		}
		obj := gjson.Parse(line)

		if errMsg := obj.Get("error"); errMsg.Exists() && errMsg.String() != "" {
			emit(ctx, ch, Errorf(errMsg.String()))
			finished = true
			return false
		}
		if content := obj.Get("message.content").String(); content != "" {
			if !emit(ctx, ch, Token(content)) {
				finished = true
				return false
			}
		}
		if obj.Get("done").Bool() {
			emit(ctx, ch, Done())
			finished = true
			return false
		}
		return true
	})

	if finished {
		return
	}
	if err != nil && ctx.Err() == nil {
		emit(ctx, ch, Errorf(fmt.Sprintf("stream read failed: %v", err)))
		return
	}
	emit(ctx, ch, Done())
}
