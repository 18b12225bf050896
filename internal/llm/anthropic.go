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

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/scrylabs/scry/internal/auth"
)

const (
	// anthropicVersion is the pinned API version header value.
	anthropicVersion = "2023-06-01"
	// anthropicOAuthBeta unlocks inference with subscription OAuth tokens.
	anthropicOAuthBeta = "oauth-2025-04-20"
)

// AnthropicProvider streams chat completions from the Anthropic Messages
// API. It authenticates with either an API key or an OAuth credential; an
// OAuth credential close to expiry is refreshed transparently before the
// request and the refreshed token is written back to the store.
type AnthropicProvider struct {
	client    *http.Client
	baseURL   string
	model     string
	maxTokens int
	cred      auth.Credential
	storePath string

	// refresh is the token refresh call, replaceable in tests.
	refresh func(ctx context.Context, client *http.Client, refreshToken string) (*auth.TokenResponse, error)
}

// NewAnthropicProvider creates a provider using the given credential.
func NewAnthropicProvider(cred auth.Credential) *AnthropicProvider {
	return &AnthropicProvider{
		client:    &http.Client{Timeout: 5 * time.Minute},
		baseURL:   Anthropic.DefaultBaseURL(),
		model:     Anthropic.DefaultModel(),
		maxTokens: 4096,
		cred:      cred,
		refresh:   auth.RefreshAnthropicToken,
	}
}

// WithModel overrides the model.
func (p *AnthropicProvider) WithModel(model string) *AnthropicProvider {
	if model != "" {
		p.model = model
	}
	return p
}

// WithBaseURL overrides the API base URL.
func (p *AnthropicProvider) WithBaseURL(base string) *AnthropicProvider {
	if base != "" {
		p.baseURL = strings.TrimSuffix(base, "/")
	}
	return p
}

// WithStorePath points the provider at the credential file so refreshed
// OAuth tokens persist across runs. The file is re-read at refresh time;
// only the Anthropic entry is touched.
func (p *AnthropicProvider) WithStorePath(path string) *AnthropicProvider {
	p.storePath = path
	return p
}

// ProviderKind implements LlmProvider.
func (p *AnthropicProvider) ProviderKind() Provider { return Anthropic }

// Model implements LlmProvider.
func (p *AnthropicProvider) Model() string { return p.model }

// DisplayName implements LlmProvider.
func (p *AnthropicProvider) DisplayName() string { return Anthropic.DisplayName() }

// IsConfigured implements LlmProvider.
func (p *AnthropicProvider) IsConfigured() bool { return p.cred.Token() != "" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
}

// convertMessages splits system turns out into the dedicated system field
// the Messages API expects.
func convertMessages(messages []ChatMessage) (string, []anthropicMessage) {
	var system string
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return system, out
}

// StreamChat implements LlmProvider.
func (p *AnthropicProvider) StreamChat(ctx context.Context, messages []ChatMessage) <-chan StreamEvent {
	ch := make(chan StreamEvent, streamBufferSize)
	go func() {
		defer close(ch)
		p.streamChat(ctx, messages, ch)
	}()
	return ch
}

func (p *AnthropicProvider) streamChat(ctx context.Context, messages []ChatMessage, ch chan<- StreamEvent) {
	token, err := p.freshToken(ctx)
	if err != nil {
		emit(ctx, ch, Errorf(err.Error()))
		return
	}

	system, converted := convertMessages(messages)
	payload, err := json.Marshal(anthropicRequest{
		Model:     p.model,
		Messages:  converted,
		MaxTokens: p.maxTokens,
		Stream:    true,
		System:    system,
	})
	if err != nil {
		emit(ctx, ch, Errorf(fmt.Sprintf("failed to encode request: %v", err)))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		emit(ctx, ch, Errorf(err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if p.cred.Type == auth.CredentialTypeOAuth {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("anthropic-beta", anthropicOAuthBeta)
	} else {
		req.Header.Set("x-api-key", token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		emit(ctx, ch, Errorf(fmt.Sprintf("request failed: %v", err)))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized && p.cred.Type == auth.CredentialTypeOAuth {
			emit(ctx, ch, AuthError("Anthropic rejected the stored OAuth token"))
			return
		}
		emit(ctx, ch, Errorf(formatAnthropicError(resp.StatusCode, body)))
		return
	}

	p.readStream(ctx, resp.Body, ch)
}

// readStream parses Anthropic's named-event SSE stream. Only text deltas
// become tokens; message_start, ping and the block boundary events are
// ignored.
func (p *AnthropicProvider) readStream(ctx context.Context, body io.Reader, ch chan<- StreamEvent) {
	var currentEvent string
	finished := false

	err := readLines(ctx, body, func(line string) bool {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			currentEvent = name
			return true
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			return true
		}

		switch currentEvent {
		case "content_block_delta":
			delta := gjson.Get(data, "delta")
			if delta.Get("type").String() == "text_delta" {
				if text := delta.Get("text").String(); text != "" {
					if !emit(ctx, ch, Token(text)) {
						finished = true
						return false
					}
				}
			}
		case "message_stop":
			emit(ctx, ch, Done())
			finished = true
			return false
		case "error":
			msg := gjson.Get(data, "error.message").String()
			if msg == "" {
				msg = data
			}
			emit(ctx, ch, Errorf(msg))
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
	// Stream ended without message_stop; treat it as a clean finish.
	emit(ctx, ch, Done())
}

// freshToken returns the current bearer token, refreshing an OAuth
// credential that is within its refresh window first.
func (p *AnthropicProvider) freshToken(ctx context.Context) (string, error) {
	if !p.cred.NeedsRefresh() {
		return p.cred.Token(), nil
	}

	refreshed, err := p.refresh(ctx, p.client, p.cred.RefreshToken)
	if err != nil {
		log.Warnf("anthropic token refresh failed, using current token: %v", err)
		return p.cred.Token(), nil
	}

	newRefresh := refreshed.RefreshToken
	if newRefresh == "" {
		newRefresh = p.cred.RefreshToken
	}
	p.cred = auth.NewOAuth(refreshed.AccessToken, newRefresh, refreshed.ExpiresAt())
	p.cred.Model = p.model

	p.persistRefreshed()
	return p.cred.Token(), nil
}

// persistRefreshed writes the refreshed credential back through a
// load-mutate-save cycle so other providers' entries survive. A store that
// cannot be read is left untouched.
func (p *AnthropicProvider) persistRefreshed() {
	if p.storePath == "" {
		return
	}
	store, err := auth.LoadFrom(p.storePath)
	if err != nil {
		log.Warnf("not persisting refreshed token, credential store unreadable: %v", err)
		return
	}
	store.Set(Anthropic.StorageKey(), p.cred)
	if err := store.SaveTo(p.storePath); err != nil {
		log.Warnf("failed to persist refreshed token: %v", err)
	}
}

func formatAnthropicError(status int, body []byte) string {
	if t := gjson.GetBytes(body, "error.type"); t.Exists() {
		return fmt.Sprintf("Anthropic API error (%d): %s - %s",
			status, t.String(), gjson.GetBytes(body, "error.message").String())
	}
	return fmt.Sprintf("Anthropic API error %d: %s", status, string(body))
}
