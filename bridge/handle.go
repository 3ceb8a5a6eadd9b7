package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/idvault/biometric"
	"github.com/jmcleod/idvault/vault"
)

// Handle is the registry entry for one vault: the vault itself plus the
// host-facing state the vault does not own.
type Handle struct {
	r      *Registry
	v      *vault.Vault
	logger *slog.Logger

	mu             sync.Mutex
	handlers       map[string]EventHandler
	backgroundAt   time.Time
	prompting      bool
	lockedOutUntil time.Time
}

func newHandle(r *Registry, v *vault.Vault) *Handle {
	return &Handle{
		r:        r,
		v:        v,
		logger:   r.logger.With("descriptor", v.Descriptor().UniqueID()),
		handlers: make(map[string]EventHandler),
	}
}

// Vault returns the underlying vault.
func (h *Handle) Vault() *vault.Vault {
	return h.v
}

func invalidArgument(detail string) error {
	return &vault.Error{Kind: vault.KindInvalidArguments, Detail: detail}
}

func (h *Handle) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Action {
	case ActionSetup:
		if req.Handler == nil {
			return nil, invalidArgument("handler missing")
		}
		id := h.subscribe(req.Handler)
		h.emitConfig()
		return id, nil
	case ActionClose:
		if req.HandlerID == "" {
			return nil, invalidArgument("handlerId missing")
		}
		h.unsubscribe(req.HandlerID)
		return nil, nil
	case ActionGetConfig:
		return h.configData(), nil
	case ActionClear:
		return nil, h.clear(ctx, "manual")
	case ActionIsLocked:
		return h.v.IsLocked(), nil
	case ActionIsLockedOutOfBiometrics:
		return h.isLockedOutOfBiometrics(), nil
	case ActionIsInUse:
		return h.v.IsInUse(), nil
	case ActionRemainingAttempts:
		return h.v.RemainingAttempts(), nil
	case ActionGetUsername:
		return h.v.Descriptor().Username, nil
	case ActionGetValue:
		return h.getValue(req.Key)
	case ActionGetKeys:
		return h.v.Keys()
	case ActionStoreValue:
		return nil, h.storeValue(ctx, req.Key, req.Value)
	case ActionRemoveValue:
		if req.Key == "" {
			return nil, invalidArgument("key missing")
		}
		return nil, h.v.RemoveValue(ctx, req.Key)
	case ActionLock:
		h.lock(ctx, false)
		return nil, nil
	case ActionUnlock:
		if req.WithPasscode {
			return nil, h.unlockWithPasscode(ctx, req.Passcode)
		}
		return nil, h.unlockWithBiometrics(ctx)
	case ActionIsBiometricsAvailable:
		return h.v.IsBiometricsAvailable(), nil
	case ActionIsBiometricsEnabled:
		return h.v.IsBiometricsEnabled(), nil
	case ActionIsPasscodeEnabled:
		return h.v.IsPasscodeEnabled(), nil
	case ActionIsPasscodeSetupNeeded:
		return h.v.IsPasscodeSetupNeeded(), nil
	case ActionIsSecureStorageModeEnabled:
		return h.v.IsSecureStorageModeEnabled(), nil
	case ActionSetBiometricsEnabled:
		return nil, h.setFlag(ctx, req.Enabled, h.v.SetBiometricsEnabled)
	case ActionSetPasscodeEnabled:
		return nil, h.setFlag(ctx, req.Enabled, h.v.SetPasscodeEnabled)
	case ActionSetSecureStorageModeEnabled:
		return nil, h.setFlag(ctx, req.Enabled, h.v.SetSecureStorageModeEnabled)
	case ActionSetPasscode:
		return nil, h.setPasscode(ctx, req.Passcode)
	default:
		return nil, invalidArgument("unknown action " + string(req.Action))
	}
}

func (h *Handle) configData() ConfigData {
	return ConfigData{
		LockAfter: h.r.lockAfter.Milliseconds(),
		Snapshot:  h.v.Config(),
	}
}

// getValue returns the stored JSON value, or nil when the key is absent.
func (h *Handle) getValue(key string) (any, error) {
	if key == "" {
		return nil, invalidArgument("key missing")
	}
	value, err := h.v.GetValue(key)
	if errors.Is(err, vault.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (h *Handle) storeValue(ctx context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return invalidArgument("key missing")
	}
	if len(value) == 0 || !json.Valid(value) {
		return invalidArgument("value must be JSON")
	}
	return h.v.StoreValue(ctx, key, value)
}

func (h *Handle) setFlag(ctx context.Context, enabled *bool, set func(context.Context, bool) error) error {
	if enabled == nil {
		return invalidArgument("enabled missing")
	}
	if err := set(ctx, *enabled); err != nil {
		return err
	}
	h.emitConfig()
	return nil
}

func (h *Handle) setPasscode(ctx context.Context, passcode *string) error {
	if !h.v.IsPasscodeEnabled() {
		return vault.ErrPasscodeNotEnabled
	}
	code, err := h.passcode(ctx, passcode, true)
	if err != nil {
		return err
	}
	wasNeeded := h.v.IsPasscodeSetupNeeded()
	if err := h.v.SetPasscode(ctx, code); err != nil {
		return err
	}
	if wasNeeded {
		h.emitConfig()
	}
	return nil
}

// passcode returns the supplied passcode or asks the prompter for one.
func (h *Handle) passcode(ctx context.Context, supplied *string, confirm bool) (string, error) {
	if supplied != nil {
		return *supplied, nil
	}
	if h.r.prompter == nil {
		return "", invalidArgument("passcode missing")
	}
	code, err := h.r.prompter.PromptPasscode(ctx, confirm)
	switch {
	case err == nil:
		return code, nil
	case errors.Is(err, ErrPromptCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", &vault.Error{Kind: vault.KindUserCanceled, Err: err}
	case errors.Is(err, ErrPromptMismatch):
		return "", &vault.Error{Kind: vault.KindMismatchedPasscode, Err: err}
	default:
		return "", &vault.Error{Kind: vault.KindUnhandled, Detail: "reading passcode", Err: err}
	}
}

// lock locks the vault and emits a lock event when anything changed.
func (h *Handle) lock(ctx context.Context, timeout bool) {
	if !h.v.Lock(ctx) {
		return
	}
	h.r.metrics.lock(timeout)
	h.emit(EventLock, LockData{Timeout: timeout, Saved: h.v.IsInUse()})
}

func (h *Handle) clear(ctx context.Context, reason string) error {
	if err := h.v.Clear(ctx); err != nil {
		return err
	}
	h.r.metrics.clear(reason)
	h.logger.Info("vault cleared", slog.String("reason", reason))
	return nil
}

func (h *Handle) unlockWithPasscode(ctx context.Context, passcode *string) error {
	if !h.v.IsPasscodeEnabled() {
		return vault.ErrPasscodeNotEnabled
	}
	if !h.v.IsLocked() {
		return nil
	}
	code, err := h.passcode(ctx, passcode, false)
	if err != nil {
		return err
	}
	err = h.v.UnlockWithPasscode(ctx, code)
	h.r.metrics.unlock("passcode", err)
	if err != nil {
		return h.unlockFailed(ctx, err)
	}
	h.emit(EventUnlock, h.configData())
	return nil
}

func (h *Handle) unlockWithBiometrics(ctx context.Context) error {
	wasLocked := h.v.IsLocked()

	h.setPrompting(true)
	err := h.v.UnlockWithBiometrics(ctx)
	h.setPrompting(false)

	h.setLockedOut(errors.Is(err, biometric.ErrLockout))
	h.r.metrics.unlock("biometrics", err)
	if err != nil {
		return h.unlockFailed(ctx, err)
	}
	if wasLocked {
		h.emit(EventUnlock, h.configData())
	}
	return nil
}

// unlockFailed applies the host-side policy for a failed unlock. A vault
// whose attempts are exhausted is cleared when configured; a sensor lockout
// does not count as exhausted attempts.
func (h *Handle) unlockFailed(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, vault.ErrTooManyFailedAttempts) && !errors.Is(err, biometric.ErrLockout):
		if h.r.clearOnTooMany {
			if cerr := h.clear(ctx, "too_many_failed_attempts"); cerr != nil {
				h.logger.Error("clearing vault after too many failed attempts", slog.Any("error", cerr))
			}
		}
	case errors.Is(err, vault.ErrInvalidatedCredentials):
		h.r.metrics.clear("invalidated_credentials")
		h.emitConfig()
	}
	return err
}

func (h *Handle) setPrompting(p bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompting = p
}

func (h *Handle) setLockedOut(lockedOut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lockedOut {
		h.lockedOutUntil = h.r.now().Add(h.r.lockoutCooldown)
	} else {
		h.lockedOutUntil = time.Time{}
	}
}

func (h *Handle) isLockedOutOfBiometrics() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.r.now().Before(h.lockedOutUntil)
}

func (h *Handle) background(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.prompting {
		return
	}
	h.backgroundAt = now
}

func (h *Handle) foreground(ctx context.Context, now time.Time) {
	h.mu.Lock()
	since := h.backgroundAt
	h.backgroundAt = time.Time{}
	h.mu.Unlock()

	if since.IsZero() || h.r.lockAfter <= 0 {
		return
	}
	if now.Sub(since) > h.r.lockAfter {
		h.lock(ctx, true)
	}
}
