package vault

import (
	"errors"
	"fmt"
)

// Kind classifies a vault error. Its integer value is the stable code
// reported to callers.
type Kind int

const (
	KindUnhandled              Kind = 0
	KindVaultLocked            Kind = 1
	KindVaultUnavailable       Kind = 2
	KindInvalidArguments       Kind = 3
	KindInvalidatedCredentials Kind = 4
	KindSecurityNotAvailable   Kind = 5
	KindAuthFailed             Kind = 6
	KindTooManyFailedAttempts  Kind = 7
	KindUserCanceled           Kind = 8
	KindMismatchedPasscode     Kind = 9
	KindMissingPasscode        Kind = 10
	KindPasscodeNotEnabled     Kind = 11
	KindKeyNotFound            Kind = 12
	KindBiometricsNotEnabled   Kind = 13
)

var kindMessages = map[Kind]string{
	KindUnhandled:              "Unhandled error",
	KindVaultLocked:            "Operation not allowed while vault locked.",
	KindVaultUnavailable:       "Vault Unavailable: Make sure you've configured the vault.",
	KindInvalidArguments:       "Invalid arguments",
	KindInvalidatedCredentials: "Credentials invalidated or expired. Vault cleared.",
	KindSecurityNotAvailable:   "Biometric Security unavailable.",
	KindAuthFailed:             "Failed authorization attempt",
	KindTooManyFailedAttempts:  "Too many failed attempts.",
	KindUserCanceled:           "User canceled auth attempt.",
	KindMismatchedPasscode:     "Passcodes did not match.",
	KindMissingPasscode:        "Passcode not setup yet. You must call setPasscode prior to storing values if passcode is enabled",
	KindPasscodeNotEnabled:     "Passcode not enabled.",
	KindKeyNotFound:            "Key Not Found",
	KindBiometricsNotEnabled:   "Biometric auth is not enabled",
}

var kindNames = map[Kind]string{
	KindUnhandled:              "Unhandled",
	KindVaultLocked:            "VaultLocked",
	KindVaultUnavailable:       "VaultUnavailable",
	KindInvalidArguments:       "InvalidArguments",
	KindInvalidatedCredentials: "InvalidatedCredentials",
	KindSecurityNotAvailable:   "SecurityNotAvailable",
	KindAuthFailed:             "AuthFailed",
	KindTooManyFailedAttempts:  "TooManyFailedAttempts",
	KindUserCanceled:           "UserCanceled",
	KindMismatchedPasscode:     "MismatchedPasscode",
	KindMissingPasscode:        "MissingPasscode",
	KindPasscodeNotEnabled:     "PasscodeNotEnabled",
	KindKeyNotFound:            "KeyNotFound",
	KindBiometricsNotEnabled:   "BiometricsNotEnabled",
}

// Name returns the identifier of the kind, e.g. "AuthFailed".
func (k Kind) Name() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Code returns the numeric error code.
func (k Kind) Code() int {
	return int(k)
}

func (k Kind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return fmt.Sprintf("vault error %d", int(k))
}

// Error is the single error type returned by Vault operations.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message()
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Message is the caller-facing text: the detail when present, otherwise the
// standard message for the kind.
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrAuthFailed)
// works regardless of detail or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrUnhandled              = &Error{Kind: KindUnhandled}
	ErrVaultLocked            = &Error{Kind: KindVaultLocked}
	ErrVaultUnavailable       = &Error{Kind: KindVaultUnavailable}
	ErrInvalidArguments       = &Error{Kind: KindInvalidArguments}
	ErrInvalidatedCredentials = &Error{Kind: KindInvalidatedCredentials}
	ErrSecurityNotAvailable   = &Error{Kind: KindSecurityNotAvailable}
	ErrAuthFailed             = &Error{Kind: KindAuthFailed}
	ErrTooManyFailedAttempts  = &Error{Kind: KindTooManyFailedAttempts}
	ErrUserCanceled           = &Error{Kind: KindUserCanceled}
	ErrMismatchedPasscode     = &Error{Kind: KindMismatchedPasscode}
	ErrMissingPasscode        = &Error{Kind: KindMissingPasscode}
	ErrPasscodeNotEnabled     = &Error{Kind: KindPasscodeNotEnabled}
	ErrKeyNotFound            = &Error{Kind: KindKeyNotFound}
	ErrBiometricsNotEnabled   = &Error{Kind: KindBiometricsNotEnabled}
)

// KindOf returns the Kind carried by err, or KindUnhandled for errors that
// did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnhandled
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

func unhandled(action string, cause error) *Error {
	return &Error{Kind: KindUnhandled, Detail: action, Err: cause}
}

func validationErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArguments, Detail: fmt.Sprintf(format, args...)}
}
