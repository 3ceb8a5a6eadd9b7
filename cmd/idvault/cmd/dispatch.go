package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/viper"

	"github.com/jmcleod/idvault/bridge"
	"github.com/jmcleod/idvault/vault"
)

// responseError is a failed bridge response.
type responseError struct {
	body *bridge.ErrorBody
}

func (e *responseError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.body.Message, e.body.Code)
}

func descriptor() vault.Descriptor {
	return vault.Descriptor{
		Username: viper.GetString("username"),
		VaultID:  viper.GetString("vault_id"),
	}
}

func request(action bridge.Action) bridge.Request {
	return bridge.Request{Action: action, Descriptor: descriptor()}
}

func dispatch(ctx context.Context, req bridge.Request) (any, error) {
	resp := registry.Dispatch(ctx, req)
	if resp.Error != nil {
		return nil, &responseError{body: resp.Error}
	}
	return resp.Value, nil
}

func dispatchBool(ctx context.Context, action bridge.Action) (bool, error) {
	value, err := dispatch(ctx, request(action))
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T, want bool", action, value)
	}
	return b, nil
}

func setEnabled(ctx context.Context, action bridge.Action, enabled bool) error {
	req := request(action)
	req.Enabled = &enabled
	_, err := dispatch(ctx, req)
	return err
}

// suppliedPasscode returns the --passcode value, or nil to prompt for one.
func suppliedPasscode() *string {
	if !viper.IsSet("passcode") {
		return nil
	}
	code := viper.GetString("passcode")
	return &code
}

// ensureUnlocked unlocks a locked vault with biometrics when enabled, and
// with the passcode otherwise or when --with-passcode is set.
func ensureUnlocked(ctx context.Context) error {
	locked, err := dispatchBool(ctx, bridge.ActionIsLocked)
	if err != nil || !locked {
		return err
	}
	biometrics, err := dispatchBool(ctx, bridge.ActionIsBiometricsEnabled)
	if err != nil {
		return err
	}
	req := request(bridge.ActionUnlock)
	if !biometrics || viper.GetBool("with_passcode") {
		req.WithPasscode = true
		req.Passcode = suppliedPasscode()
	}
	_, err = dispatch(ctx, req)
	return err
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
