package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"
)

const (
	// copilotTokenURL exchanges a GitHub OAuth token for a short-lived
	// Copilot API token.
	copilotTokenURL = "https://api.github.com/copilot_internal/v2/token"

	copilotIntegrationID = "vscode-chat"
	copilotEditorVersion = "scry/0.1.0"

	// copilotRefreshWindow mirrors the credential refresh window: a cached
	// token this close to expiry is replaced before use.
	copilotRefreshWindow = 5 * time.Minute
)

// copilotTokenCache holds the exchanged Copilot API token. Reads vastly
// outnumber refreshes, so lookups take the read lock and only an actual
// exchange takes the write path. Concurrent refresh attempts collapse into
// one request via singleflight.
type copilotTokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

// get returns the cached token if it is still comfortably valid.
func (c *copilotTokenCache) get() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || time.Now().Add(copilotRefreshWindow).After(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *copilotTokenCache) set(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.token = token
	c.expiresAt = expiresAt
	c.mu.Unlock()
}

// CopilotProvider streams chat completions from the GitHub Copilot API.
// The stored GitHub OAuth token is not usable against the chat endpoint
// directly; each request first obtains a short-lived Copilot token, cached
// and refreshed in-process.
type CopilotProvider struct {
	client   *http.Client
	baseURL  string
	tokenURL string
	model    string

	oauthToken string
	cache      *copilotTokenCache
}

// NewCopilotProvider creates a provider around a GitHub OAuth token from
// the device flow.
func NewCopilotProvider(oauthToken string) *CopilotProvider {
	return &CopilotProvider{
		client:     &http.Client{Timeout: 5 * time.Minute},
		baseURL:    GitHubCopilot.DefaultBaseURL(),
		tokenURL:   copilotTokenURL,
		model:      GitHubCopilot.DefaultModel(),
		oauthToken: oauthToken,
		cache:      &copilotTokenCache{},
	}
}

// WithModel overrides the model.
func (p *CopilotProvider) WithModel(model string) *CopilotProvider {
	if model != "" {
		p.model = model
	}
	return p
}

// WithBaseURL overrides the chat API base URL.
func (p *CopilotProvider) WithBaseURL(base string) *CopilotProvider {
	if base != "" {
		p.baseURL = strings.TrimSuffix(base, "/")
	}
	return p
}

// WithTokenURL overrides the token exchange endpoint.
func (p *CopilotProvider) WithTokenURL(url string) *CopilotProvider {
	if url != "" {
		p.tokenURL = url
	}
	return p
}

// ProviderKind implements LlmProvider.
func (p *CopilotProvider) ProviderKind() Provider { return GitHubCopilot }

// Model implements LlmProvider.
func (p *CopilotProvider) Model() string { return p.model }

// DisplayName implements LlmProvider.
func (p *CopilotProvider) DisplayName() string { return GitHubCopilot.DisplayName() }

// IsConfigured implements LlmProvider.
func (p *CopilotProvider) IsConfigured() bool { return p.oauthToken != "" }

// copilotToken returns a valid Copilot API token, exchanging the GitHub
// OAuth token when the cache is empty or near expiry.
func (p *CopilotProvider) copilotToken(ctx context.Context) (string, error) {
	if token, ok := p.cache.get(); ok {
		return token, nil
	}
	if p.oauthToken == "" {
		return "", fmt.Errorf("not authenticated with GitHub")
	}

	v, err, _ := p.cache.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited for the flight.
		if token, ok := p.cache.get(); ok {
			return token, nil
		}
		return p.exchangeToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *CopilotProvider) exchangeToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.tokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.oauthToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", copilotEditorVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("copilot token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read copilot token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("copilot token exchange failed (%d): %s", resp.StatusCode, string(body))
	}

	token := gjson.GetBytes(body, "token").String()
	if token == "" {
		return "", fmt.Errorf("copilot token missing from response")
	}
	expiresAt := time.Unix(gjson.GetBytes(body, "expires_at").Int(), 0)
	if expiresAt.Before(time.Now()) {
		expiresAt = time.Now().Add(30 * time.Minute)
	}

	p.cache.set(token, expiresAt)
	log.WithField("expires_at", expiresAt).Debug("copilot token refreshed")
	return token, nil
}

// StreamChat implements LlmProvider.
func (p *CopilotProvider) StreamChat(ctx context.Context, messages []ChatMessage) <-chan StreamEvent {
	ch := make(chan StreamEvent, streamBufferSize)
	go func() {
		defer close(ch)
		p.streamChat(ctx, messages, ch)
	}()
	return ch
}

func (p *CopilotProvider) streamChat(ctx context.Context, messages []ChatMessage, ch chan<- StreamEvent) {
	token, err := p.copilotToken(ctx)
	if err != nil {
		emit(ctx, ch, Errorf(err.Error()))
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
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Copilot-Integration-Id", copilotIntegrationID)
	req.Header.Set("Editor-Version", copilotEditorVersion)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		emit(ctx, ch, Errorf(fmt.Sprintf("request failed: %v", err)))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized {
			emit(ctx, ch, AuthError("GitHub Copilot rejected the stored credentials"))
			return
		}
		emit(ctx, ch, Errorf(fmt.Sprintf("Copilot API error (%d): %s", resp.StatusCode, string(body))))
		return
	}

	readOpenAIStream(ctx, resp.Body, ch)
}

// buildOpenAIRequest assembles an OpenAI-style streaming chat request body.
func buildOpenAIRequest(model string, messages []ChatMessage) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, err
	}
	for i, m := range messages {
		if body, err = sjson.SetBytes(body, fmt.Sprintf("messages.%d.role", i), m.Role); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, fmt.Sprintf("messages.%d.content", i), m.Content); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// readOpenAIStream parses "data: {json}" SSE lines with a [DONE] sentinel,
// emitting choices[].delta.content chunks. Comment lines (": keepalive")
// and unknown payloads are skipped. Shared by every OpenAI-compatible
// backend.
func readOpenAIStream(ctx context.Context, body io.Reader, ch chan<- StreamEvent) {
	finished := false

	err := readLines(ctx, body, func(line string) bool {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			return true
		}
		if data == "[DONE]" {
			emit(ctx, ch, Done())
			finished = true
			return false
		}

		if errMsg := gjson.Get(data, "error.message"); errMsg.Exists() {
			emit(ctx, ch, Errorf(errMsg.String()))
			finished = true
			return false
		}

		for _, choice := range gjson.Get(data, "choices").Array() {
			if content := choice.Get("delta.content").String(); content != "" {
				if !emit(ctx, ch, Token(content)) {
					finished = true
					return false
				}
			}
			if choice.Get("finish_reason").Exists() && choice.Get("finish_reason").Type != gjson.Null {
				emit(ctx, ch, Done())
				finished = true
				return false
			}
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
