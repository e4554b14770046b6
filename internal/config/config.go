// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                     `toml:"default_provider"`
	Providers       map[string]ProviderConfig  `toml:"providers"`
	MCPServers      map[string]MCPServerConfig `toml:"mcp_servers"`
	Cache           CacheConfig                `toml:"cache"`
	Kernel          KernelConfig               `toml:"kernel"`
	Tools           map[string]bool            `toml:"tools"`
}

// KernelConfig holds turn-loop and approval-policy defaults, layered on
// top of whatever a session's own SessionConfig overrides at runtime.
type KernelConfig struct {
	// ApprovalMode is one of "default", "autoEdit", "yolo". Defaults to
	// "default" if unset.
	ApprovalMode string `toml:"approval_mode"`
	// AutoCompact enables automatic history compaction once a turn's
	// prompt approaches a model's context limit. Defaults to true.
	AutoCompact *bool `toml:"auto_compact"`
	// MaxTurns bounds a single turn loop's tool-call rounds before it
	// gives up. Defaults to 50 if unset.
	MaxTurns int `toml:"max_turns"`
	// PlanProvider, if set, names the provider used for plan-mode turns
	// instead of the default.
	PlanProvider string `toml:"plan_provider"`
	// VisionProvider, if set, names the provider used when the history
	// carries image attachments.
	VisionProvider string `toml:"vision_provider"`
	// CompactProvider, if set, names the (typically small) provider used
	// to summarize history during auto-compaction.
	CompactProvider string `toml:"compact_provider"`
}

// ApprovalModeOrDefault returns the configured approval mode or "default".
func (k KernelConfig) ApprovalModeOrDefault() string {
	if k.ApprovalMode == "" {
		return "default"
	}
	return k.ApprovalMode
}

// AutoCompactOrDefault returns the configured auto-compact toggle,
// defaulting to enabled when unset.
func (k KernelConfig) AutoCompactOrDefault() bool {
	if k.AutoCompact == nil {
		return true
	}
	return *k.AutoCompact
}

// MaxTurnsOrDefault returns the configured max turn-loop rounds, or 50.
func (k KernelConfig) MaxTurnsOrDefault() int {
	if k.MaxTurns <= 0 {
		return 50
	}
	return k.MaxTurns
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	// Type selects the wire adapter: "ollama" (default), "anthropic",
	// "vllm", "opencode", or "zen".
	Type        string  `toml:"type"`
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	// ContextTokens declares the model's context window so compaction can
	// budget against it. Zero means unknown.
	ContextTokens int `toml:"context_tokens"`
}

// MCPServerConfig describes one remote MCP server, either spawned over
// stdio or reached over HTTP/SSE. Exactly one of (Command) or (URL)
// should be set.
type MCPServerConfig struct {
	// Command + Args + Env spawn a stdio server.
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	// URL + Headers reach an sse/http server.
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
	// Disable skips this server entirely during initAsync.
	Disable bool `toml:"disable"`
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"AGENTKERNEL_APPROVAL_MODE", func(v string) {
			if v != "" {
				cfg.Kernel.ApprovalMode = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the kernel's data directory (~/.config/agentkernel).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "agentkernel"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
