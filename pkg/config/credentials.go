package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials are the per-agent identity issued once at enrollment. The file
// is written by warden-enroll and read by the agent at startup.
type Credentials struct {
	AgentUUID string `json:"agent_uuid"`
	APIKey    string `json:"api_key"`
}

// LoadCredentials reads the agent credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if creds.AgentUUID == "" || creds.APIKey == "" {
		return nil, fmt.Errorf("credentials file %s is incomplete", path)
	}

	return &creds, nil
}

// SaveCredentials writes the credentials file readable only by its owner.
// It refuses to overwrite an existing file so a re-enrollment is always an
// explicit operator decision.
func SaveCredentials(path string, creds *Credentials) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("credentials file %s already exists, remove it to re-enroll", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}
