package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// credentialsFile sits next to config.toml; secrets stay out of the
// TOML so the config can be shared or committed without leaking keys.
const credentialsFile = "credentials.json"

// Credentials maps provider names to their stored secrets.
type Credentials struct {
	Providers map[string]ProviderCredentials `json:"providers"`
}

// ProviderCredentials is one provider's secret material.
type ProviderCredentials struct {
	APIKey string `json:"api_key"`
}

// GetAPIKey returns a provider's key, or "" when none is stored.
func (c *Credentials) GetAPIKey(provider string) string {
	if c == nil || c.Providers == nil {
		return ""
	}
	return c.Providers[provider].APIKey
}

// SetAPIKey stores a provider's key in memory; SaveCredentials persists.
func (c *Credentials) SetAPIKey(provider, apiKey string) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderCredentials)
	}
	c.Providers[provider] = ProviderCredentials{APIKey: apiKey}
}

// LoadCredentials reads the credentials file. A missing file is an
// empty credential set, not an error — fresh installs have no keys yet.
func LoadCredentials() (*Credentials, error) {
	dir, err := DataDir()
	if err != nil {
		return nil, err
	}

	creds := &Credentials{Providers: make(map[string]ProviderCredentials)}
	data, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if os.IsNotExist(err) {
		return creds, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", credentialsFile, err)
	}
	return creds, nil
}

// SaveCredentials writes the credentials file with owner-only
// permissions.
func SaveCredentials(creds *Credentials) error {
	dir, err := EnsureDataDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, credentialsFile), data, 0o600)
}
