package vault

import (
	"fmt"
	"log/slog"

	"github.com/jmcleod/idvault/biometric"
	"github.com/jmcleod/idvault/internal/util"
)

// Config holds the immutable tuning of a Vault.
type Config struct {
	// MaxAttempts is the number of consecutive failed unlocks allowed.
	MaxAttempts int
	// KDFIterations is the PBKDF2 iteration count for passcode derivation.
	KDFIterations int
	// BiometricsByDefault enables biometrics on a brand-new vault when the gate is available.
	BiometricsByDefault bool
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		KDFIterations: util.MinPBKDF2Iterations,
	}
}

// Validate rejects configurations that would weaken the vault.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.KDFIterations < util.MinPBKDF2Iterations {
		return fmt.Errorf("kdf iterations must be at least %d, got %d", util.MinPBKDF2Iterations, c.KDFIterations)
	}
	return nil
}

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) VaultOption {
	return func(v *Vault) {
		v.cfg = cfg
	}
}

// WithBiometricGate sets the gate used by the biometric factor. Without one,
// biometrics are reported unavailable.
func WithBiometricGate(gate biometric.Gate) VaultOption {
	return func(v *Vault) {
		v.gate = gate
	}
}

// WithLogger sets the logger for vault lifecycle events.
func WithLogger(logger *slog.Logger) VaultOption {
	return func(v *Vault) {
		v.logger = logger
	}
}
