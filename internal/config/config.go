// Package config provides configuration management for the scry chat client.
// It handles loading and parsing the YAML configuration file, applies
// defaults for anything the user leaves unset, and exposes structured access
// to logging, provider, and chat settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Logging configures the rotating log file.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// CredentialsFile overrides the default credentials store location.
	// Empty means the per-user default under the OS config directory.
	CredentialsFile string `yaml:"credentials-file,omitempty" json:"credentials-file,omitempty"`

	// Providers holds optional per-provider overrides keyed by provider id
	// (anthropic, github_copilot, openrouter, ollama).
	Providers map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`

	// Chat configures generation behavior shared by all providers.
	Chat ChatConfig `yaml:"chat" json:"chat"`
}

// LoggingConfig holds log file behavior configuration.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Dir is the directory for the rotating log file. Empty means the
	// per-user default under the OS cache directory.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// MaxTotalSizeMB caps the total size of the log directory. Oldest
	// rotated files are removed first. <= 0 disables the cap.
	MaxTotalSizeMB int `yaml:"max-total-size-mb,omitempty" json:"max-total-size-mb,omitempty"`
}

// ProviderConfig holds optional overrides for a single provider.
type ProviderConfig struct {
	// BaseURL replaces the provider's default API endpoint. Useful for
	// proxies and self-hosted deployments.
	BaseURL string `yaml:"base-url,omitempty" json:"base-url,omitempty"`

	// Model replaces the provider's default model id.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
}

// ChatConfig holds generation settings applied to every request.
type ChatConfig struct {
	// MaxTokens caps the length of each model response.
	MaxTokens int `yaml:"max-tokens,omitempty" json:"max-tokens,omitempty"`

	// SystemPrompt is prepended to every conversation when non-empty.
	SystemPrompt string `yaml:"system-prompt,omitempty" json:"system-prompt,omitempty"`
}

const (
	defaultLogLevel       = "info"
	defaultMaxTotalSizeMB = 100
	defaultMaxTokens      = 4096
)

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:          defaultLogLevel,
			MaxTotalSizeMB: defaultMaxTotalSizeMB,
		},
		Chat: ChatConfig{
			MaxTokens: defaultMaxTokens,
		},
	}
}

// LoadConfig reads and parses the YAML configuration file at the given path.
// A missing file is an error; use LoadConfigOptional to fall back to
// defaults instead.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads and parses the YAML configuration file at the
// given path. When optional is true a missing file yields the default
// configuration instead of an error.
//
// Parameters:
//   - configFile: path to the YAML configuration file
//   - optional: whether a missing file is tolerated
//
// Returns:
//   - *Config: the parsed configuration with defaults applied
//   - error: an error if reading or parsing fails
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the configuration back to disk as YAML, creating parent
// directories as needed.
func (c *Config) Save(configFile string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(configFile); dir != "." {
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err = os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.MaxTotalSizeMB == 0 {
		c.Logging.MaxTotalSizeMB = defaultMaxTotalSizeMB
	}
	if c.Chat.MaxTokens <= 0 {
		c.Chat.MaxTokens = defaultMaxTokens
	}
}

// Provider returns the overrides for the given provider id, or a zero
// value when none are configured.
func (c *Config) Provider(id string) ProviderConfig {
	if c == nil || c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[id]
}

// DefaultConfigPath returns the per-user configuration file location,
// typically ~/.config/scry/config.yaml on Linux.
func DefaultConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(base, "scry", "config.yaml"), nil
}

// DefaultLogDir returns the per-user log directory, typically
// ~/.cache/scry/logs on Linux.
func DefaultLogDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache directory: %w", err)
	}
	return filepath.Join(base, "scry", "logs"), nil
}
