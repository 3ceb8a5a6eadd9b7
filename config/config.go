// Package config loads the application-wide settings shared by every vault
// in a process: lock timing, prompt text, attempt limits, storage backend
// and the locations of the device secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/idvault/biometric"
	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/vault"
)

// Storage backends.
const (
	BackendBolt   = "bbolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// AppConfig holds the process configuration.
type AppConfig struct {
	// LockAfter locks unlocked vaults when the host returns from the
	// background after longer than this. Zero disables it.
	LockAfter time.Duration `yaml:"lock_after"`

	// ClearVaultAfterTooManyFailedAttempts clears a vault whose unlock
	// attempts are exhausted.
	ClearVaultAfterTooManyFailedAttempts bool `yaml:"clear_vault_after_too_many_failed_attempts"`

	AllowSystemPinFallback bool `yaml:"allow_system_pin_fallback"`
	BiometricsByDefault    bool `yaml:"biometrics_by_default"`

	Prompt PromptConfig `yaml:"prompt"`

	MaxAttempts   int `yaml:"max_attempts"`
	KDFIterations int `yaml:"kdf_iterations"`

	Storage StorageConfig `yaml:"storage"`

	// StateKeyFile holds the 32-byte key sealing persisted vault state.
	StateKeyFile string `yaml:"state_key_file"`
	// DeviceSecretFile holds the 32-byte secret the software biometric
	// gate derives its wrapping keys from.
	DeviceSecretFile string `yaml:"device_secret_file"`
	// EnrollmentFile holds the current biometric enrollment ID.
	EnrollmentFile string `yaml:"enrollment_file"`

	LogLevel string `yaml:"log_level"`
}

// PromptConfig is the text of the biometric prompt.
type PromptConfig struct {
	Title              string `yaml:"title"`
	Subtitle           string `yaml:"subtitle"`
	Description        string `yaml:"description"`
	NegativeButtonText string `yaml:"negative_button_text"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *AppConfig {
	defaults := vault.DefaultConfig()
	prompt := biometric.DefaultPromptInfo()
	return &AppConfig{
		ClearVaultAfterTooManyFailedAttempts: true,
		Prompt: PromptConfig{
			Title:              prompt.Title,
			NegativeButtonText: prompt.NegativeButtonText,
		},
		MaxAttempts:   defaults.MaxAttempts,
		KDFIterations: defaults.KDFIterations,
		Storage: StorageConfig{
			Backend: BackendBolt,
			Path:    "idvault.db",
		},
		StateKeyFile:     "state.key",
		DeviceSecretFile: "device.secret",
		EnrollmentFile:   "enrollment",
		LogLevel:         "warn",
	}
}

// Load reads the YAML file at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func (c *AppConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c *AppConfig) Validate() error {
	if c.LockAfter < 0 {
		return fmt.Errorf("lock_after must not be negative")
	}
	if err := c.VaultConfig().Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case BackendBolt, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.StateKeyFile == "" {
		return fmt.Errorf("state_key_file is required")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// ResolvePaths makes every relative file path relative to dir.
func (c *AppConfig) ResolvePaths(dir string) {
	for _, p := range []*string{&c.Storage.Path, &c.StateKeyFile, &c.DeviceSecretFile, &c.EnrollmentFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// VaultConfig returns the per-vault tuning.
func (c *AppConfig) VaultConfig() vault.Config {
	return vault.Config{
		MaxAttempts:         c.MaxAttempts,
		KDFIterations:       c.KDFIterations,
		BiometricsByDefault: c.BiometricsByDefault,
	}
}

// PromptInfo returns the biometric prompt text.
func (c *AppConfig) PromptInfo() biometric.PromptInfo {
	return biometric.PromptInfo{
		Title:                 c.Prompt.Title,
		Subtitle:              c.Prompt.Subtitle,
		Description:           c.Prompt.Description,
		NegativeButtonText:    c.Prompt.NegativeButtonText,
		AllowDeviceCredential: c.AllowSystemPinFallback,
	}
}

// SlogLevel parses LogLevel.
func (c *AppConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// LoadOrCreateSecret returns the size-byte secret stored at path, creating
// it with random content when the file does not exist.
func LoadOrCreateSecret(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != size {
			util.WipeBytes(data)
			return nil, fmt.Errorf("secret %s must be exactly %d bytes, got %d", path, size, len(data))
		}
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading secret: %w", err)
	}

	secret, err := util.RandomBytes(size)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating secret directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating secret: %w", err)
	}
	if _, err := f.Write(secret); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing secret: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("writing secret: %w", err)
	}
	return secret, nil
}
