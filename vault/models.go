// Package vault implements the key-custody state machine of a multi-factor
// identity vault: a key-value store whose storage key is released by a
// passcode, a biometric gate, both, or neither.
package vault

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/idvault/key"
)

// State is the persisted per-vault configuration.
type State struct {
	BiometricsEnabled        bool     `json:"biometricsEnabled"`
	PasscodeEnabled          bool     `json:"passcodeEnabled"`
	SecureStorageModeEnabled bool     `json:"secureStorageModeEnabled"`
	PasscodeSetup            bool     `json:"passcodeSetup"`
	InUse                    bool     `json:"inUse"`
	Salt                     []byte   `json:"salt,omitzero"`
	SecureStorageKey         *key.Key `json:"secureStorageKey,omitzero"`
}

// newState returns the state of a vault that has never been persisted.
func newState(biometrics bool) *State {
	return &State{BiometricsEnabled: biometrics}
}

// UnmarshalJSON decodes a persisted state. A record without an inUse field
// predates that field and therefore belongs to a vault already holding data.
func (s *State) UnmarshalJSON(b []byte) error {
	type plain State
	aux := struct {
		*plain
		InUse *bool `json:"inUse"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return fmt.Errorf("unmarshaling vault state: %w", err)
	}
	s.InUse = aux.InUse == nil || *aux.InUse
	return nil
}

// destroy wipes key material held by the state.
func (s *State) destroy() {
	if s.SecureStorageKey != nil {
		s.SecureStorageKey.Destroy()
	}
}

// Snapshot is a point-in-time view of a vault's configuration.
type Snapshot struct {
	Descriptor               Descriptor `json:"descriptor"`
	BiometricsEnabled        bool       `json:"isBiometricsEnabled"`
	PasscodeEnabled          bool       `json:"isPasscodeEnabled"`
	PasscodeSetupNeeded      bool       `json:"isPasscodeSetupNeeded"`
	SecureStorageModeEnabled bool       `json:"isSecureStorageModeEnabled"`
	InUse                    bool       `json:"isInUse"`
	Locked                   bool       `json:"isLocked"`
	RemainingAttempts        int        `json:"remainingAttempts"`
}
