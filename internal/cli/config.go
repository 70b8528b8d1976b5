package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds CLI configuration
type Config struct {
	ServerURL    string
	APIKey       string
	IdentityFile string
	Output       string
	Verbose      bool
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		ServerURL:    getEnvOrDefault("MASQ_SERVER", "http://localhost:8080"),
		APIKey:       os.Getenv("MASQ_API_KEY"),
		IdentityFile: getEnvOrDefault("MASQ_IDENTITY_FILE", defaultIdentityFile()),
		Output:       "text",
		Verbose:      false,
	}
}

// Identity is the resume credential the server issued on a previous connection
type Identity struct {
	PlayerID string `json:"player_id"`
	Token    string `json:"token"`
}

// LoadIdentity reads the identity file. A missing file yields nil.
func (c *Config) LoadIdentity() (*Identity, error) {
	data, err := os.ReadFile(c.IdentityFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No identity file is fine
		}
		return nil, err
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	if id.PlayerID == "" || id.Token == "" {
		return nil, nil
	}
	return &id, nil
}

// SaveIdentity writes the identity file
func (c *Config) SaveIdentity(id Identity) error {
	dir := filepath.Dir(c.IdentityFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(c.IdentityFile, data, 0600)
}

func defaultIdentityFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".masq/identity"
	}
	return filepath.Join(home, ".masq", "identity")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
