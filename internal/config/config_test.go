package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
providers:
  ollama:
    base-url: http://10.0.0.5:11434
    model: llama3.2
chat:
  system-prompt: be brief
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Logging.Level != defaultLogLevel {
		t.Errorf("Logging.Level = %q, want default %q", cfg.Logging.Level, defaultLogLevel)
	}
	if cfg.Logging.MaxTotalSizeMB != defaultMaxTotalSizeMB {
		t.Errorf("Logging.MaxTotalSizeMB = %d, want %d", cfg.Logging.MaxTotalSizeMB, defaultMaxTotalSizeMB)
	}
	if cfg.Chat.MaxTokens != defaultMaxTokens {
		t.Errorf("Chat.MaxTokens = %d, want %d", cfg.Chat.MaxTokens, defaultMaxTokens)
	}
	if cfg.Chat.SystemPrompt != "be brief" {
		t.Errorf("Chat.SystemPrompt = %q", cfg.Chat.SystemPrompt)
	}
	ollama := cfg.Provider("ollama")
	if ollama.BaseURL != "http://10.0.0.5:11434" || ollama.Model != "llama3.2" {
		t.Errorf("Provider(ollama) = %+v", ollama)
	}
	if got := cfg.Provider("anthropic"); got != (ProviderConfig{}) {
		t.Errorf("Provider(anthropic) = %+v, want zero value", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := LoadConfig(missing); err == nil {
		t.Fatal("LoadConfig should fail for a missing file")
	}

	cfg, err := LoadConfigOptional(missing, true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.Logging.Level != defaultLogLevel {
		t.Errorf("Logging.Level = %q, want default", cfg.Logging.Level)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging: [not a map"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig should fail on malformed YAML")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Providers = map[string]ProviderConfig{
		"anthropic": {Model: "claude-opus-4-1"},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig after Save: %v", err)
	}
	if loaded.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", loaded.Logging.Level)
	}
	if loaded.Provider("anthropic").Model != "claude-opus-4-1" {
		t.Errorf("Provider(anthropic).Model = %q", loaded.Provider("anthropic").Model)
	}
}
