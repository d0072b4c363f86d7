// Package config manages risk engine configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/exposurekit/riskengine/internal/errors"
	"github.com/exposurekit/riskengine/internal/signature"
)

// DetectionMode controls how detection runs are triggered
type DetectionMode string

const (
	// ModeAutomatic runs detection on a fixed cadence via the scheduler
	ModeAutomatic DetectionMode = "automatic"
	// ModeManual runs detection only on explicit user action
	ModeManual DetectionMode = "manual"
)

// TrustedKeyConfig is one trust root as it appears in the config file
type TrustedKeyConfig struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"` // hex-encoded PKIX ECDSA key
}

// Config represents the risk engine configuration
type Config struct {
	// Distribution service
	Region      string `json:"region"`
	EndpointURL string `json:"endpoint_url"`

	// Trust roots for package verification
	TrustedKeys []TrustedKeyConfig `json:"trusted_keys"`

	// Detection behaviour
	Mode                        DetectionMode `json:"mode"`
	MinDetectionIntervalMinutes int           `json:"min_detection_interval_minutes"` // soft rate limit
	DetectionValidityHours      int           `json:"detection_validity_hours"`       // staleness cutoff
	RetentionDays               int           `json:"retention_days"`                 // cache retention window
	NotifyAlways                bool          `json:"notify_always,omitempty"`        // notify on every run, not just level changes

	// Fetch behaviour
	MaxRetries            int     `json:"max_retries"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
	MaxParallelDownloads  int     `json:"max_parallel_downloads"`
	RequestsPerSecond     float64 `json:"requests_per_second,omitempty"`

	// Local status API
	ListenAddr string `json:"listen_addr,omitempty"`

	// Paths (not serialized)
	ConfigDir string `json:"-"`
}

// Default returns a configuration with sensible defaults. Region, endpoint
// and trusted keys must still be filled in before the engine can run.
func Default() *Config {
	return &Config{
		Mode:                        ModeAutomatic,
		MinDetectionIntervalMinutes: 240, // 4h between automatic runs
		DetectionValidityHours:      48,
		RetentionDays:               14,
		MaxRetries:                  3,
		RequestTimeoutSeconds:       30,
		MaxParallelDownloads:        4,
		RequestsPerSecond:           5,
		ListenAddr:                  "127.0.0.1:8471",
	}
}

// DefaultConfigDir returns the default config directory
func DefaultConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".riskengine")
}

// Load loads configuration from the config directory
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	configPath := filepath.Join(configDir, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrNotInitialized
		}
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ConfigDir = configDir

	return cfg, nil
}

// Save writes the configuration to the config directory
func (c *Config) Save() error {
	if c.ConfigDir == "" {
		c.ConfigDir = DefaultConfigDir()
	}
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(c.ConfigDir, "config.json"), data, 0600)
}

// Validate checks that the configuration can drive a detection run
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.EndpointURL == "" {
		return fmt.Errorf("endpoint_url is required")
	}
	if len(c.TrustedKeys) == 0 {
		return apperrors.ErrNoTrustedKeys
	}
	if c.Mode != ModeAutomatic && c.Mode != ModeManual {
		return fmt.Errorf("unknown detection mode %q", c.Mode)
	}
	return nil
}

// ParsedTrustedKeys decodes the configured trust roots
func (c *Config) ParsedTrustedKeys() ([]signature.TrustedKey, error) {
	if len(c.TrustedKeys) == 0 {
		return nil, apperrors.ErrNoTrustedKeys
	}
	keys := make([]signature.TrustedKey, 0, len(c.TrustedKeys))
	for _, tk := range c.TrustedKeys {
		key, err := signature.ParseTrustedKey(tk.KeyID, tk.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", tk.KeyID, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// MinDetectionInterval returns the soft rate limit as a duration
func (c *Config) MinDetectionInterval() time.Duration {
	return time.Duration(c.MinDetectionIntervalMinutes) * time.Minute
}

// DetectionValidity returns how long a detection result stays fresh
func (c *Config) DetectionValidity() time.Duration {
	return time.Duration(c.DetectionValidityHours) * time.Hour
}

// RequestTimeout returns the per-request network timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StateDir returns the directory for persisted engine state
func (c *Config) StateDir() string {
	return filepath.Join(c.ConfigDir, "state")
}

// CachePath returns the package cache database path
func (c *Config) CachePath() string {
	return filepath.Join(c.ConfigDir, "packages.db")
}
