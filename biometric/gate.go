// Package biometric defines the secure-enclave capability that keeps a
// vault's storage key behind a biometric check, and a software
// implementation of it backed by a storage.Repository.
package biometric

import (
	"context"
	"errors"

	"github.com/jmcleod/idvault/key"
)

var (
	// ErrCanceled is returned when the user dismisses the prompt.
	ErrCanceled = errors.New("biometric prompt canceled")
	// ErrAuthFailed is returned when the presented biometric is not accepted.
	ErrAuthFailed = errors.New("biometric authentication failed")
	// ErrLockout is returned when the platform has locked the sensor after repeated failures.
	ErrLockout = errors.New("biometric sensor locked out")
	// ErrNotAvailable is returned when there is no usable biometric hardware or enrollment.
	ErrNotAvailable = errors.New("biometrics not available")
	// ErrNoWrappedKey is returned when no storage key has been wrapped.
	ErrNoWrappedKey = errors.New("no wrapped storage key")
	// ErrKeyInvalidated is returned when the enrollment set changed since the canary or wrapped key was created.
	ErrKeyInvalidated = errors.New("biometric enrollment changed")
	// ErrNoCanary is returned by CheckCanary when no canary has been provisioned.
	ErrNoCanary = errors.New("no enrollment canary")
)

// Gate holds one vault's storage key behind biometric authentication.
type Gate interface {
	// Available reports whether biometric hardware with an enrollment is present.
	Available() bool
	// Wrap persists k so that only AuthenticateAndUnwrap can recover it,
	// replacing any previously wrapped key.
	Wrap(ctx context.Context, k *key.Key) error
	// AuthenticateAndUnwrap prompts the user and, on success, returns the
	// wrapped storage key. It blocks until the user responds or ctx ends.
	AuthenticateAndUnwrap(ctx context.Context) (*key.Key, error)
	// DestroyWrapped removes the wrapped key. It succeeds when there is none.
	DestroyWrapped() error
	// ProvisionCanary records the current enrollment set, replacing any earlier canary.
	ProvisionCanary() error
	// CheckCanary returns ErrKeyInvalidated when the enrollment set changed
	// since ProvisionCanary, and ErrNoCanary when none was provisioned.
	// Removing every enrollment counts as a change. Vault never sees that
	// case: with no enrollment Available is false and biometric unlock is
	// refused before the canary is consulted.
	CheckCanary() error
}

// PromptInfo is the text shown by the platform biometric prompt.
type PromptInfo struct {
	Title              string
	Subtitle           string
	Description        string
	NegativeButtonText string
	// AllowDeviceCredential lets the user fall back to the device PIN.
	AllowDeviceCredential bool
}

// DefaultPromptInfo returns the prompt text used when none is configured.
func DefaultPromptInfo() PromptInfo {
	return PromptInfo{
		Title:              "Please Authenticate",
		NegativeButtonText: "Cancel",
	}
}

// Prompter asks the user for a biometric. It returns nil when the user is
// verified, or one of ErrCanceled, ErrAuthFailed, ErrLockout, ErrNotAvailable.
type Prompter interface {
	Authenticate(ctx context.Context, info PromptInfo) error
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, info PromptInfo) error

func (f PrompterFunc) Authenticate(ctx context.Context, info PromptInfo) error {
	return f(ctx, info)
}

// EnrollmentSource reports an identifier for the device's current biometric
// enrollment set. The identifier changes whenever a biometric is added or
// removed. It returns ErrNotAvailable when there is no hardware or enrollment.
type EnrollmentSource interface {
	EnrollmentID() (string, error)
}
