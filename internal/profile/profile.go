package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"chatsync/pkg/config"
)

// Profile is the per-user state saved by `chatsync configure`.
type Profile struct {
	BaseURL     string `yaml:"base_url" json:"base_url"`
	Token       string `yaml:"token" json:"token"`
	UserID      string `yaml:"user_id,omitempty" json:"user_id,omitempty"`
	DefaultPeer string `yaml:"default_peer,omitempty" json:"default_peer,omitempty"`
}

// Path returns CHATSYNC_PROFILE or ~/.chatsync/profile.yaml.
func Path() (string, error) {
	if p := os.Getenv("CHATSYNC_PROFILE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".chatsync", "profile.yaml"), nil
}

// LoadFromFile reads the profile at path. A missing file yields an empty
// profile.
func LoadFromFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &p, nil
}

// SaveToFile writes the profile readable by the owner only.
func SaveToFile(p *Profile, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// Overlay converts the profile into a config layer for config.Load.
func (p *Profile) Overlay() *config.Config {
	c := &config.Config{}
	c.Server.BaseURL = p.BaseURL
	c.Credentials.Token = p.Token
	c.Credentials.UserID = p.UserID
	return c
}

func (p *Profile) MissingFields() []string {
	var missing []string
	if p.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if p.Token == "" {
		missing = append(missing, "token")
	}
	return missing
}
