// Package llm defines the provider abstraction for streaming chat backends
// and the per-provider wire adapters. Every backend exposes the same
// streaming-event contract so the rest of the application never sees wire
// formats.
package llm

import (
	"context"
	"strings"
)

// Provider identifies a chat backend.
type Provider int

const (
	// Anthropic talks to the Anthropic Messages API with either an API key
	// or an OAuth token from the authorization-code flow.
	Anthropic Provider = iota
	// GitHubCopilot talks to the Copilot chat API using a token derived
	// from a GitHub device-flow OAuth token.
	GitHubCopilot
	// OpenRouter talks to OpenRouter's OpenAI-compatible API with an API
	// key.
	OpenRouter
	// Ollama talks to a local Ollama server and needs no credentials.
	Ollama
)

// All lists every supported provider in menu order.
func All() []Provider {
	return []Provider{Anthropic, GitHubCopilot, OpenRouter, Ollama}
}

// OAuthKind describes which OAuth grant, if any, a provider uses.
type OAuthKind int

const (
	// OAuthNone means the provider authenticates with a plain API key or
	// not at all.
	OAuthNone OAuthKind = iota
	// OAuthAuthCode means the provider uses the browser-based
	// authorization-code flow with PKCE.
	OAuthAuthCode
	// OAuthDeviceCode means the provider uses the RFC 8628 device flow.
	OAuthDeviceCode
)

// DisplayName returns the human-readable provider name.
func (p Provider) DisplayName() string {
	switch p {
	case Anthropic:
		return "Anthropic"
	case GitHubCopilot:
		return "GitHub Copilot"
	case OpenRouter:
		return "OpenRouter"
	case Ollama:
		return "Ollama (Local)"
	default:
		return "Unknown"
	}
}

// DefaultBaseURL returns the provider's default API base URL.
func (p Provider) DefaultBaseURL() string {
	switch p {
	case Anthropic:
		return "https://api.anthropic.com/v1"
	case GitHubCopilot:
		return "https://api.githubcopilot.com"
	case OpenRouter:
		return "https://openrouter.ai/api/v1"
	case Ollama:
		return "http://localhost:11434"
	default:
		return ""
	}
}

// DefaultModel returns the model used when the user has not chosen one.
func (p Provider) DefaultModel() string {
	switch p {
	case Anthropic:
		return "claude-sonnet-4-5"
	case GitHubCopilot:
		return "claude-sonnet-4.5"
	case OpenRouter:
		return "anthropic/claude-sonnet-4-5"
	case Ollama:
		return "qwen3:4b"
	default:
		return ""
	}
}

// EnvVar returns the environment variable consulted for an API key, or ""
// when keys never come from the environment.
func (p Provider) EnvVar() string {
	switch p {
	case Anthropic:
		return "ANTHROPIC_API_KEY"
	case OpenRouter:
		return "OPENROUTER_API_KEY"
	default:
		return ""
	}
}

// RequiresAPIKey reports whether the provider is unusable without some
// credential.
func (p Provider) RequiresAPIKey() bool {
	switch p {
	case Anthropic, GitHubCopilot, OpenRouter:
		return true
	default:
		return false
	}
}

// OAuth returns which OAuth grant the provider supports.
func (p Provider) OAuth() OAuthKind {
	switch p {
	case Anthropic:
		return OAuthAuthCode
	case GitHubCopilot:
		return OAuthDeviceCode
	default:
		return OAuthNone
	}
}

// StorageKey returns the stable key identifying this provider's slot in
// the credential file.
func (p Provider) StorageKey() string {
	switch p {
	case Anthropic:
		return "anthropic"
	case GitHubCopilot:
		return "github_copilot"
	case OpenRouter:
		return "openrouter"
	case Ollama:
		return "ollama"
	default:
		return ""
	}
}

// KeyCreationURL returns a page where users can self-serve an API key, or
// "" when the provider has none.
func (p Provider) KeyCreationURL() string {
	switch p {
	case Anthropic:
		return "https://console.anthropic.com/settings/keys"
	case OpenRouter:
		return "https://openrouter.ai/settings/keys"
	default:
		return ""
	}
}

// NeedsModelSelection reports whether a successful OAuth connection must be
// followed by an explicit model choice.
func (p Provider) NeedsModelSelection() bool {
	switch p {
	case Anthropic, GitHubCopilot:
		return true
	default:
		return false
	}
}

// ModelOption is a selectable model with its display label.
type ModelOption struct {
	Display string
	ID      string
}

// ModelOptions returns the models offered during selection. Providers
// without model selection return nil.
func (p Provider) ModelOptions() []ModelOption {
	switch p {
	case Anthropic:
		return []ModelOption{
			{Display: "Claude Sonnet 4.5", ID: "claude-sonnet-4-5"},
			{Display: "Claude Opus 4.1", ID: "claude-opus-4-1"},
			{Display: "Claude Haiku 3.5", ID: "claude-3-5-haiku-latest"},
		}
	case GitHubCopilot:
		return []ModelOption{
			{Display: "Claude Sonnet 4.5", ID: "claude-sonnet-4.5"},
			{Display: "GPT-4.1", ID: "gpt-4.1"},
			{Display: "GPT-4o", ID: "gpt-4o"},
			{Display: "o3-mini", ID: "o3-mini"},
			{Display: "Gemini 2.0 Flash", ID: "gemini-2.0-flash-001"},
		}
	default:
		return nil
	}
}

// ValidateKeyFormat checks a manually entered key for obvious shape
// problems before any network call. An empty string return means the key
// looks plausible; otherwise it is a message describing the problem.
func (p Provider) ValidateKeyFormat(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "API key cannot be empty"
	}
	switch p {
	case Anthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return "Anthropic API keys start with sk-ant-"
		}
	case OpenRouter:
		if !strings.HasPrefix(key, "sk-or-") {
			return "OpenRouter API keys start with sk-or-"
		}
	}
	if len(key) < 16 {
		return "API key looks too short"
	}
	return ""
}

// ChatMessage is one turn of a conversation in the shared shape every
// adapter translates from.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventKind discriminates StreamEvent values.
type EventKind int

const (
	// EventToken carries a chunk of generated text.
	EventToken EventKind = iota
	// EventDone marks successful stream completion.
	EventDone
	// EventError carries a failure message.
	EventError
	// EventAuthError signals that stored credentials were rejected and
	// must be purged. Distinct from EventError so the caller can react.
	EventAuthError
)

// StreamEvent is one item of a streaming chat response. Events arrive in
// the order the backend emitted them; the channel closes after a terminal
// event (Done, Error or AuthError).
type StreamEvent struct {
	Kind EventKind
	Text string
}

// Token builds a text event.
func Token(text string) StreamEvent { return StreamEvent{Kind: EventToken, Text: text} }

// Done builds the completion event.
func Done() StreamEvent { return StreamEvent{Kind: EventDone} }

// Errorf builds an error event from a message.
func Errorf(msg string) StreamEvent { return StreamEvent{Kind: EventError, Text: msg} }

// AuthError builds a credential-rejection event.
func AuthError(msg string) StreamEvent { return StreamEvent{Kind: EventAuthError, Text: msg} }

// LlmProvider is the capability interface every backend adapter
// implements.
type LlmProvider interface {
	// ProviderKind returns the backend identity.
	ProviderKind() Provider
	// Model returns the model currently in use.
	Model() string
	// IsConfigured reports whether the adapter has the credentials it
	// needs to attempt a request.
	IsConfigured() bool
	// DisplayName returns the name shown in the UI.
	DisplayName() string
	// StreamChat sends one chat completion request and streams the
	// response. The returned channel yields zero or more EventToken
	// events followed by exactly one terminal event, then closes.
	// Cancelling ctx stops delivery; an in-flight request may still
	// complete on the server side.
	StreamChat(ctx context.Context, messages []ChatMessage) <-chan StreamEvent
}

// streamBufferSize bounds how far a producer can run ahead of the UI.
const streamBufferSize = 100
