// Package bridge exposes vault operations to a host application through a
// single Dispatch entry point. It owns the registry of live vaults, the
// lock/unlock/config event subscriptions, lock-after-background handling,
// the passcode prompt capability and the too-many-attempts clear policy.
package bridge

import (
	"encoding/json"
	"errors"

	"github.com/jmcleod/idvault/vault"
)

// Action names a caller-facing operation.
type Action string

const (
	ActionSetup                       Action = "setup"
	ActionClose                       Action = "close"
	ActionGetConfig                   Action = "getConfig"
	ActionClear                       Action = "clear"
	ActionIsLocked                    Action = "isLocked"
	ActionIsLockedOutOfBiometrics     Action = "isLockedOutOfBiometrics"
	ActionIsInUse                     Action = "isInUse"
	ActionRemainingAttempts           Action = "remainingAttempts"
	ActionGetValue                    Action = "getValue"
	ActionGetKeys                     Action = "getKeys"
	ActionStoreValue                  Action = "storeValue"
	ActionRemoveValue                 Action = "removeValue"
	ActionGetUsername                 Action = "getUsername"
	ActionLock                        Action = "lock"
	ActionUnlock                      Action = "unlock"
	ActionIsBiometricsAvailable       Action = "isBiometricsAvailable"
	ActionSetBiometricsEnabled        Action = "setBiometricsEnabled"
	ActionIsBiometricsEnabled         Action = "isBiometricsEnabled"
	ActionSetPasscodeEnabled          Action = "setPasscodeEnabled"
	ActionIsPasscodeEnabled           Action = "isPasscodeEnabled"
	ActionIsPasscodeSetupNeeded       Action = "isPasscodeSetupNeeded"
	ActionSetPasscode                 Action = "setPasscode"
	ActionSetSecureStorageModeEnabled Action = "setSecureStorageModeEnabled"
	ActionIsSecureStorageModeEnabled  Action = "isSecureStorageModeEnabled"
)

// Request is one call from the host. Descriptor selects the vault; the
// remaining fields are the action's arguments.
type Request struct {
	Action     Action           `json:"action"`
	Descriptor vault.Descriptor `json:"descriptor"`

	Key          string          `json:"key,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	Enabled      *bool           `json:"enabled,omitempty"`
	WithPasscode bool            `json:"withPasscode,omitempty"`
	Passcode     *string         `json:"passcode,omitempty"`
	HandlerID    string          `json:"handlerId,omitempty"`

	// Handler receives events for a setup request.
	Handler EventHandler `json:"-"`
}

// Response carries either a value or an error. A successful response may
// have a nil value.
type Response struct {
	Value any        `json:"value,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the wire form of a vault error.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ConfigData is the payload of getConfig and of config and unlock events.
type ConfigData struct {
	LockAfter int64 `json:"lockAfter"`
	vault.Snapshot
}

// LockData is the payload of a lock event.
type LockData struct {
	Timeout bool `json:"timeout"`
	Saved   bool `json:"saved"`
}

func errorResponse(err error) Response {
	return Response{Error: errorBody(err)}
}

func errorBody(err error) *ErrorBody {
	var ve *vault.Error
	if errors.As(err, &ve) {
		return &ErrorBody{Code: ve.Kind.Code(), Message: ve.Message()}
	}
	return &ErrorBody{Code: vault.KindUnhandled.Code(), Message: err.Error()}
}

func okResponse(value any) Response {
	return Response{Value: value}
}
