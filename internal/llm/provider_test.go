package llm

import "testing"

func TestProviderMetadata(t *testing.T) {
	t.Parallel()

	for _, p := range All() {
		if p.DisplayName() == "" || p.DisplayName() == "Unknown" {
			t.Errorf("provider %d has no display name", p)
		}
		if p.DefaultBaseURL() == "" {
			t.Errorf("%s has no base URL", p.DisplayName())
		}
		if p.DefaultModel() == "" {
			t.Errorf("%s has no default model", p.DisplayName())
		}
		if p.StorageKey() == "" {
			t.Errorf("%s has no storage key", p.DisplayName())
		}
		if p.NeedsModelSelection() && len(p.ModelOptions()) == 0 {
			t.Errorf("%s needs model selection but offers no models", p.DisplayName())
		}
	}

	if Anthropic.OAuth() != OAuthAuthCode {
		t.Error("Anthropic should use the authorization-code flow")
	}
	if GitHubCopilot.OAuth() != OAuthDeviceCode {
		t.Error("GitHub Copilot should use the device flow")
	}
	if Ollama.RequiresAPIKey() {
		t.Error("Ollama should not require a key")
	}
	if got := GitHubCopilot.StorageKey(); got != "github_copilot" {
		t.Errorf("Copilot storage key = %q", got)
	}
}

func TestValidateKeyFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider Provider
		key      string
		wantOK   bool
	}{
		{"anthropic good", Anthropic, "sk-ant-REDACTED", true},
		{"anthropic wrong prefix", Anthropic, "sk-or-v1-abcdefgh12345678", false},
		{"anthropic empty", Anthropic, "", false},
		{"openrouter good", OpenRouter, "sk-or-v1-abcdefgh12345678", true},
		{"openrouter wrong prefix", OpenRouter, "sk-ant-abcdefgh12345678", false},
		{"too short", OpenRouter, "sk-or-1", false},
		{"whitespace trimmed", Anthropic, "  sk-ant-REDACTED  ", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := tt.provider.ValidateKeyFormat(tt.key)
			if (msg == "") != tt.wantOK {
				t.Errorf("ValidateKeyFormat(%q) = %q, wantOK=%v", tt.key, msg, tt.wantOK)
			}
		})
	}
}
