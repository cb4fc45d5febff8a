// Package config loads the broker configuration from config/broker.yaml
// with environment variable overrides for deployment settings.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the broker daemon needs to start.
type Config struct {
	Listen      string `yaml:"listen"`
	DatabaseDSN string `yaml:"database_dsn"`

	// Key material is hex encoded in the file; prefer the environment
	// variables so keys stay out of configuration on disk.
	MasterKeyHex string `yaml:"master_key"`
	AuditKeyHex  string `yaml:"audit_key"`
	KeyVersion   string `yaml:"key_version"`

	SweepInterval    time.Duration `yaml:"sweep_interval"`
	RotationSchedule string        `yaml:"rotation_schedule"`

	NotifyURL string `yaml:"notify_url"`
	NotifyKey string `yaml:"notify_key"`
}

// Load reads the configuration from config/broker.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "broker.yaml"))
}

// LoadFromPath reads the configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse broker config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the broker config or falls back to defaults plus
// environment overrides when the file does not exist.
func LoadOrDefault() (*Config, error) {
	cfg, err := LoadFromPath(filepath.Join("config", "broker.yaml"))
	if err == nil {
		return cfg, nil
	}
	cfg = Default()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen:           ":8090",
		KeyVersion:       "v1",
		SweepInterval:    30 * time.Second,
		RotationSchedule: "@hourly",
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MCPVAULT_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("MCPVAULT_DB_DSN"); v != "" {
		c.DatabaseDSN = v
	}
	if v := os.Getenv("MCPVAULT_MASTER_KEY"); v != "" {
		c.MasterKeyHex = v
	}
	if v := os.Getenv("MCPVAULT_AUDIT_KEY"); v != "" {
		c.AuditKeyHex = v
	}
	if v := os.Getenv("MCPVAULT_KEY_VERSION"); v != "" {
		c.KeyVersion = v
	}
	if v := os.Getenv("MCPVAULT_NOTIFY_URL"); v != "" {
		c.NotifyURL = v
	}
	if v := os.Getenv("MCPVAULT_NOTIFY_KEY"); v != "" {
		c.NotifyKey = v
	}
}

func (c *Config) validate() error {
	if c.MasterKeyHex == "" {
		return fmt.Errorf("master key is required (MCPVAULT_MASTER_KEY)")
	}
	if c.AuditKeyHex == "" {
		return fmt.Errorf("audit key is required (MCPVAULT_AUDIT_KEY)")
	}
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	if _, err := c.AuditKey(); err != nil {
		return err
	}
	return nil
}

// MasterKey decodes the hex encoded envelope master key.
func (c *Config) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// AuditKey decodes the hex encoded audit signing key.
func (c *Config) AuditKey() ([]byte, error) {
	key, err := hex.DecodeString(c.AuditKeyHex)
	if err != nil {
		return nil, fmt.Errorf("audit key is not valid hex: %w", err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("audit key must be at least 16 bytes, got %d", len(key))
	}
	return key, nil
}
