package vault

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jmcleod/idvault/biometric"
	"github.com/jmcleod/idvault/internal/util"
	"github.com/jmcleod/idvault/key"
	"github.com/jmcleod/idvault/recordstore"
	"github.com/jmcleod/idvault/storage"
)

// Vault guards one descriptor's key-value data. The storage key is held only
// in memory; it is produced by the enabled factors, or generated when no
// factor is enabled, and destroyed when the vault locks.
//
// All exported methods are serialized by a per-vault mutex. Methods ending
// in Locked assume the mutex is held.
type Vault struct {
	mu sync.Mutex

	desc     Descriptor
	cfg      Config
	records  *recordstore.Store
	states   StateStore
	state    *State
	gate     biometric.Gate
	attempts *attemptLimiter
	logger   *slog.Logger
}

// New loads (or initializes) the vault for desc. Data records live in the
// desc.UniqueID() namespace of repo; state is persisted through states.
// A key is generated immediately when the vault holds no data.
func New(ctx context.Context, desc Descriptor, repo storage.Repository, states StateStore, opts ...VaultOption) (*Vault, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	v := &Vault{
		desc:   desc,
		cfg:    DefaultConfig(),
		states: states,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if err := v.cfg.Validate(); err != nil {
		return nil, validationErrorf("%s", err.Error())
	}
	v.logger = v.logger.With("component", "vault", "descriptor", desc.UniqueID())
	v.records = recordstore.New(repo, desc.UniqueID())
	v.attempts = newAttemptLimiter(v.cfg.MaxAttempts)

	state, found, err := states.Load(desc)
	if err != nil {
		return nil, newError(KindVaultUnavailable, err)
	}
	if !found {
		state = newState(v.cfg.BiometricsByDefault && v.biometricsAvailable())
	}
	v.state = state

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.autoGenerateKeyIfNeededLocked(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Descriptor returns the vault's identity.
func (v *Vault) Descriptor() Descriptor {
	return v.desc
}

// Close locks the vault's key material out of memory without clearing data.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records.Lock()
	v.state.destroy()
}

// IsLocked reports whether the storage key is absent for a vault that holds
// data outside secure-storage mode.
func (v *Vault) IsLocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isLockedLocked()
}

func (v *Vault) isLockedLocked() bool {
	return !v.records.IsKeyAvailable() && v.state.InUse && !v.state.SecureStorageModeEnabled
}

// IsInUse reports whether data has been stored since the last clear.
func (v *Vault) IsInUse() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.InUse
}

// IsBiometricsAvailable reports whether a usable biometric gate is configured.
func (v *Vault) IsBiometricsAvailable() bool {
	return v.biometricsAvailable()
}

func (v *Vault) biometricsAvailable() bool {
	return v.gate != nil && v.gate.Available()
}

// IsBiometricsEnabled reports whether biometrics is enabled and still available.
func (v *Vault) IsBiometricsEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.biometricsEnabledLocked()
}

func (v *Vault) biometricsEnabledLocked() bool {
	return v.state.BiometricsEnabled && v.biometricsAvailable()
}

func (v *Vault) IsPasscodeEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.PasscodeEnabled
}

func (v *Vault) IsSecureStorageModeEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.SecureStorageModeEnabled
}

// IsPasscodeSetupNeeded reports whether the passcode factor is enabled but no
// passcode has been set yet.
func (v *Vault) IsPasscodeSetupNeeded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.passcodeSetupNeededLocked()
}

func (v *Vault) passcodeSetupNeededLocked() bool {
	return !v.state.PasscodeSetup && v.state.PasscodeEnabled
}

// RemainingAttempts returns the unlock attempts left before lockout.
func (v *Vault) RemainingAttempts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attempts.Remaining()
}

// Config returns a snapshot of the vault's configuration and lock state.
func (v *Vault) Config() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Snapshot{
		Descriptor:               v.desc,
		BiometricsEnabled:        v.biometricsEnabledLocked(),
		PasscodeEnabled:          v.state.PasscodeEnabled,
		PasscodeSetupNeeded:      v.passcodeSetupNeededLocked(),
		SecureStorageModeEnabled: v.state.SecureStorageModeEnabled,
		InUse:                    v.state.InUse,
		Locked:                   v.isLockedLocked(),
		RemainingAttempts:        v.attempts.Remaining(),
	}
}

// Lock drops the storage key from memory. It reports whether anything
// changed. With no factor enabled the vault is memory-only, so locking
// clears its data instead.
func (v *Vault) Lock(ctx context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.isLockedLocked() || !v.state.InUse || v.state.SecureStorageModeEnabled {
		return false
	}
	if !v.state.PasscodeEnabled && !v.state.BiometricsEnabled {
		if err := v.clearLocked(ctx); err != nil {
			v.logger.Error("clearing memory-only vault on lock", slog.Any("error", err))
			v.records.Lock()
			return true
		}
		v.logger.Info("memory-only vault cleared on lock")
		return true
	}
	v.records.Lock()
	v.logger.Info("vault locked")
	return true
}

// GetValue returns the value stored under k. A vault that has never stored
// data has no values.
func (v *Vault) GetValue(k string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.isLockedLocked() {
		return nil, ErrVaultLocked
	}
	if err := validateValueKey(k); err != nil {
		return nil, err
	}
	if !v.state.InUse {
		return nil, ErrKeyNotFound
	}
	value, err := v.records.Get(k)
	if err != nil {
		return nil, v.recordError("reading value", err)
	}
	return value, nil
}

// Keys lists the stored value keys in ascending order.
func (v *Vault) Keys() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.isLockedLocked() {
		return nil, ErrVaultLocked
	}
	if !v.state.InUse {
		return []string{}, nil
	}
	keys, err := v.records.Keys()
	if err != nil {
		return nil, v.recordError("listing keys", err)
	}
	return keys, nil
}

// StoreValue seals value under k and marks the vault in use.
func (v *Vault) StoreValue(ctx context.Context, k string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkWritableLocked(ctx); err != nil {
		return err
	}
	if err := validateValueKey(k); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if err := v.records.Put(k, value); err != nil {
		return v.recordError("storing value", err)
	}
	return v.markInUseLocked()
}

// RemoveValue deletes the value under k and marks the vault in use.
func (v *Vault) RemoveValue(ctx context.Context, k string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkWritableLocked(ctx); err != nil {
		return err
	}
	if err := validateValueKey(k); err != nil {
		return err
	}
	if err := v.records.Remove(k); err != nil {
		return v.recordError("removing value", err)
	}
	return v.markInUseLocked()
}

func (v *Vault) checkWritableLocked(ctx context.Context) error {
	if v.isLockedLocked() {
		return ErrVaultLocked
	}
	if v.passcodeSetupNeededLocked() {
		return ErrMissingPasscode
	}
	return v.ensureKeyLocked(ctx)
}

// ensureKeyLocked makes sure a storage key is installed on an unlocked vault.
func (v *Vault) ensureKeyLocked(ctx context.Context) error {
	if err := v.autoGenerateKeyIfNeededLocked(ctx); err != nil {
		return err
	}
	if !v.records.IsKeyAvailable() {
		return ErrVaultLocked
	}
	return nil
}

func (v *Vault) markInUseLocked() error {
	if v.state.InUse {
		return nil
	}
	v.state.InUse = true
	return v.saveStateLocked()
}

// SetPasscodeEnabled turns the passcode factor on or off. Enabling requires
// a subsequent SetPasscode before data can be written. Disabling re-keys the
// data under a fresh random key.
func (v *Vault) SetPasscodeEnabled(ctx context.Context, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setPasscodeEnabledLocked(ctx, enabled)
}

func (v *Vault) setPasscodeEnabledLocked(ctx context.Context, enabled bool) error {
	if v.isLockedLocked() {
		return ErrVaultLocked
	}
	if enabled == v.state.PasscodeEnabled {
		return nil
	}

	if enabled {
		if err := v.setSecureStorageModeEnabledLocked(ctx, false); err != nil {
			return err
		}
		v.state.PasscodeEnabled = true
		v.state.PasscodeSetup = false
		if err := v.saveStateLocked(); err != nil {
			return err
		}
		return v.autoGenerateKeyIfNeededLocked(ctx)
	}

	if err := v.ensureKeyLocked(ctx); err != nil {
		return err
	}
	fresh, err := key.New()
	if err != nil {
		return unhandled("generating storage key", err)
	}
	if err := v.restoreWithNewKeyLocked(fresh); err != nil {
		return err
	}
	v.state.PasscodeEnabled = false
	v.state.Salt = nil
	v.state.PasscodeSetup = true
	if err := v.saveStateLocked(); err != nil {
		return err
	}
	return v.storeCurrentKeyInGateLocked(ctx)
}

// SetPasscode derives a new storage key from passcode and a fresh salt, and
// re-keys the data under it.
func (v *Vault) SetPasscode(ctx context.Context, passcode string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.isLockedLocked() {
		return ErrVaultLocked
	}
	if !v.state.PasscodeEnabled {
		return ErrPasscodeNotEnabled
	}
	if passcode == "" {
		return validationErrorf("passcode must not be empty")
	}
	if err := v.ensureKeyLocked(ctx); err != nil {
		return err
	}

	salt, err := util.NewSalt()
	if err != nil {
		return unhandled("generating salt", err)
	}
	derived, err := derivePasscodeKey(passcode, salt, v.cfg.KDFIterations)
	if err != nil {
		return unhandled("deriving passcode key", err)
	}
	if err := v.restoreWithNewKeyLocked(derived); err != nil {
		return err
	}
	v.state.Salt = salt
	v.state.PasscodeSetup = true
	if err := v.saveStateLocked(); err != nil {
		return err
	}
	v.logger.Info("passcode set")
	return v.storeCurrentKeyInGateLocked(ctx)
}

// SetBiometricsEnabled turns the biometric factor on or off. Enabling wraps
// the current storage key into the gate; disabling destroys the wrapped key.
func (v *Vault) SetBiometricsEnabled(ctx context.Context, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setBiometricsEnabledLocked(ctx, enabled)
}

func (v *Vault) setBiometricsEnabledLocked(ctx context.Context, enabled bool) error {
	if v.isLockedLocked() {
		return ErrVaultLocked
	}
	if !enabled {
		if !v.state.BiometricsEnabled {
			return nil
		}
		v.state.BiometricsEnabled = false
		if err := v.saveStateLocked(); err != nil {
			return err
		}
		if v.gate == nil {
			return nil
		}
		if err := v.gate.DestroyWrapped(); err != nil {
			return unhandled("destroying wrapped key", err)
		}
		return nil
	}
	if v.biometricsEnabledLocked() {
		return nil
	}

	if !v.biometricsAvailable() {
		return ErrSecurityNotAvailable
	}
	if err := v.gate.ProvisionCanary(); err != nil {
		return v.gateError(err)
	}
	if err := v.setSecureStorageModeEnabledLocked(ctx, false); err != nil {
		return err
	}
	if err := v.ensureKeyLocked(ctx); err != nil {
		return err
	}
	v.state.BiometricsEnabled = true
	if err := v.saveStateLocked(); err != nil {
		return err
	}
	return v.storeCurrentKeyInGateLocked(ctx)
}

// SetSecureStorageModeEnabled switches bypass mode. Enabling turns off both
// factors and re-keys the data under a generated key kept in the persisted
// state; disabling re-keys under a fresh random key.
func (v *Vault) SetSecureStorageModeEnabled(ctx context.Context, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setSecureStorageModeEnabledLocked(ctx, enabled)
}

func (v *Vault) setSecureStorageModeEnabledLocked(ctx context.Context, enabled bool) error {
	if v.isLockedLocked() {
		return ErrVaultLocked
	}
	if enabled == v.state.SecureStorageModeEnabled {
		return nil
	}

	if enabled {
		if err := v.setBiometricsEnabledLocked(ctx, false); err != nil {
			return err
		}
		if err := v.setPasscodeEnabledLocked(ctx, false); err != nil {
			return err
		}
		if err := v.ensureKeyLocked(ctx); err != nil {
			return err
		}
		secureKey, generated, err := v.secureStorageKeyLocked()
		if err != nil {
			return err
		}
		discard := func() {
			if generated {
				secureKey.Destroy()
			}
		}
		storageKey, err := secureKey.Copy()
		if err != nil {
			discard()
			return unhandled("copying secure storage key", err)
		}
		if err := v.restoreWithNewKeyLocked(storageKey); err != nil {
			discard()
			return err
		}
		v.state.SecureStorageKey = secureKey
		v.state.SecureStorageModeEnabled = true
		v.logger.Info("secure storage mode enabled")
		return v.saveStateLocked()
	}

	if err := v.ensureKeyLocked(ctx); err != nil {
		return err
	}
	fresh, err := key.New()
	if err != nil {
		return unhandled("generating storage key", err)
	}
	if err := v.restoreWithNewKeyLocked(fresh); err != nil {
		return err
	}
	old := v.state.SecureStorageKey
	v.state.SecureStorageKey = nil
	v.state.SecureStorageModeEnabled = false
	if err := v.saveStateLocked(); err != nil {
		return err
	}
	old.Destroy()
	v.logger.Info("secure storage mode disabled")
	return nil
}

// secureStorageKeyLocked returns the persisted bypass key, or a newly
// generated one when the state holds none. A generated key is not assigned
// to the state; the caller does that once the data is re-keyed under it.
func (v *Vault) secureStorageKeyLocked() (k *key.Key, generated bool, err error) {
	if !v.state.SecureStorageKey.Destroyed() {
		return v.state.SecureStorageKey, false, nil
	}
	k, err = key.New()
	if err != nil {
		return nil, false, unhandled("generating secure storage key", err)
	}
	return k, true, nil
}

// Clear destroys all data and the wrapped biometric key, resets the vault to
// unused with a full attempt count, and installs a fresh key. Factor
// settings are kept.
func (v *Vault) Clear(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clearLocked(ctx)
}

func (v *Vault) clearLocked(ctx context.Context) error {
	if v.gate != nil {
		if err := v.gate.DestroyWrapped(); err != nil {
			return unhandled("destroying wrapped key", err)
		}
	}
	if err := v.records.Clear(); err != nil {
		return unhandled("clearing records", err)
	}
	v.attempts.Reset()
	v.state.InUse = false
	v.state.PasscodeSetup = false
	if err := v.saveStateLocked(); err != nil {
		return err
	}
	v.logger.Info("vault cleared")
	return v.autoGenerateKeyIfNeededLocked(ctx)
}

// UnlockWithPasscode derives the storage key from passcode and validates it.
// It is a no-op on an unlocked vault.
func (v *Vault) UnlockWithPasscode(ctx context.Context, passcode string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.isLockedLocked() {
		return nil
	}
	if !v.state.PasscodeEnabled {
		return ErrPasscodeNotEnabled
	}
	if v.attempts.Exhausted() {
		return ErrTooManyFailedAttempts
	}
	if len(v.state.Salt) == 0 {
		return ErrMissingPasscode
	}
	if err := ctx.Err(); err != nil {
		return newError(KindUserCanceled, err)
	}

	derived, err := derivePasscodeKey(passcode, v.state.Salt, v.cfg.KDFIterations)
	if err != nil {
		return unhandled("deriving passcode key", err)
	}
	v.records.SetKey(derived)
	if err := v.validateLoginLocked(); err != nil {
		return err
	}
	v.logger.Info("vault unlocked", slog.String("method", "passcode"))
	return v.storeCurrentKeyInGateLocked(ctx)
}

// UnlockWithBiometrics asks the gate for the storage key and validates it.
// It blocks until the user responds to the prompt or ctx ends. It is a no-op
// on an unlocked vault.
func (v *Vault) UnlockWithBiometrics(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.isLockedLocked() {
		return nil
	}
	if !v.biometricsEnabledLocked() {
		return ErrBiometricsNotEnabled
	}
	if v.attempts.Exhausted() {
		return ErrTooManyFailedAttempts
	}
	if err := v.detectEnrollmentChangeLocked(ctx); err != nil {
		return err
	}

	unwrapped, err := v.gate.AuthenticateAndUnwrap(ctx)
	switch {
	case errors.Is(err, biometric.ErrNoWrappedKey):
		v.state.BiometricsEnabled = false
		if err := v.saveStateLocked(); err != nil {
			return err
		}
		if err := v.gate.DestroyWrapped(); err != nil {
			return unhandled("destroying wrapped key", err)
		}
		return ErrBiometricsNotEnabled
	case errors.Is(err, biometric.ErrKeyInvalidated):
		return v.invalidateLocked(ctx)
	case err != nil:
		return v.gateError(err)
	}

	v.records.SetKey(unwrapped)
	if err := v.validateLoginLocked(); err != nil {
		return err
	}
	v.logger.Info("vault unlocked", slog.String("method", "biometrics"))
	return nil
}

// detectEnrollmentChangeLocked consults the gate's canary. A missing canary
// is provisioned; an invalidated one triggers invalidateLocked.
func (v *Vault) detectEnrollmentChangeLocked(ctx context.Context) error {
	err := v.gate.CheckCanary()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, biometric.ErrNoCanary):
		if err := v.gate.ProvisionCanary(); err != nil {
			return v.gateError(err)
		}
		return nil
	case errors.Is(err, biometric.ErrKeyInvalidated):
		return v.invalidateLocked(ctx)
	default:
		return v.gateError(err)
	}
}

// invalidateLocked handles a changed enrollment set. The wrapped key is
// dropped and the canary re-provisioned. Without a passcode the data can
// never be recovered, so the vault is cleared.
func (v *Vault) invalidateLocked(ctx context.Context) error {
	v.logger.Warn("biometric enrollment changed")
	if err := v.gate.DestroyWrapped(); err != nil {
		return unhandled("destroying wrapped key", err)
	}
	if err := v.gate.ProvisionCanary(); err != nil {
		return v.gateError(err)
	}
	if !v.state.PasscodeEnabled {
		if err := v.clearLocked(ctx); err != nil {
			return err
		}
	}
	return ErrInvalidatedCredentials
}

// validateLoginLocked checks the installed candidate key and applies the
// attempt limit. A rejected key is dropped.
func (v *Vault) validateLoginLocked() error {
	err := v.records.ValidateLogin()
	if err == nil {
		v.attempts.Reset()
		return nil
	}
	v.records.Lock()
	if !errors.Is(err, recordstore.ErrValidationFailed) {
		return unhandled("validating login", err)
	}
	remaining := v.attempts.Fail()
	v.logger.Warn("unlock rejected", slog.Int("remaining_attempts", remaining))
	if remaining <= 0 {
		return ErrTooManyFailedAttempts
	}
	return ErrAuthFailed
}

// autoGenerateKeyIfNeededLocked installs a key when none is present and the
// vault is either in secure-storage mode or holds no data. A vault with data
// and no key stays locked until cleared.
func (v *Vault) autoGenerateKeyIfNeededLocked(ctx context.Context) error {
	if v.records.IsKeyAvailable() {
		return nil
	}
	if v.state.InUse && !v.state.SecureStorageModeEnabled {
		return nil
	}

	if v.state.SecureStorageModeEnabled {
		if v.state.SecureStorageKey.Destroyed() {
			return newError(KindVaultUnavailable, errors.New("secure storage key missing"))
		}
		k, err := v.state.SecureStorageKey.Copy()
		if err != nil {
			return unhandled("copying secure storage key", err)
		}
		v.records.SetKey(k)
	} else {
		k, err := key.New()
		if err != nil {
			return unhandled("generating storage key", err)
		}
		if err := v.records.Rekey(k); err != nil {
			k.Destroy()
			return unhandled("re-keying records", err)
		}
	}
	return v.storeCurrentKeyInGateLocked(ctx)
}

// restoreWithNewKeyLocked re-encrypts all data under newKey. newKey is
// destroyed on failure.
func (v *Vault) restoreWithNewKeyLocked(newKey *key.Key) error {
	if err := v.records.RestoreWithNewKey(newKey); err != nil {
		newKey.Destroy()
		if errors.Is(err, recordstore.ErrLocked) {
			return ErrVaultLocked
		}
		return unhandled("re-keying records", err)
	}
	return nil
}

// storeCurrentKeyInGateLocked wraps the installed storage key into the gate
// when biometrics is enabled.
func (v *Vault) storeCurrentKeyInGateLocked(ctx context.Context) error {
	if !v.biometricsEnabledLocked() {
		return nil
	}
	k, err := v.records.Key()
	if err != nil {
		return v.recordError("reading storage key", err)
	}
	defer k.Destroy()
	if err := v.gate.Wrap(ctx, k); err != nil {
		return v.gateError(err)
	}
	return nil
}

func (v *Vault) saveStateLocked() error {
	if err := v.states.Save(v.desc, v.state); err != nil {
		return unhandled("persisting vault state", err)
	}
	return nil
}

func (v *Vault) recordError(action string, err error) error {
	switch {
	case errors.Is(err, recordstore.ErrLocked):
		return ErrVaultLocked
	case errors.Is(err, recordstore.ErrNotFound):
		return newError(KindKeyNotFound, err)
	default:
		return unhandled(action, err)
	}
}

// gateError maps biometric gate failures onto vault error kinds.
func (v *Vault) gateError(err error) error {
	switch {
	case errors.Is(err, biometric.ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindUserCanceled, err)
	case errors.Is(err, biometric.ErrAuthFailed):
		return newError(KindAuthFailed, err)
	case errors.Is(err, biometric.ErrLockout):
		return newError(KindTooManyFailedAttempts, err)
	case errors.Is(err, biometric.ErrNotAvailable):
		return newError(KindSecurityNotAvailable, err)
	case errors.Is(err, biometric.ErrKeyInvalidated):
		return newError(KindInvalidatedCredentials, err)
	default:
		return unhandled("biometric gate", err)
	}
}
