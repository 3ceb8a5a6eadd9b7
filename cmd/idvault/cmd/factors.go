package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/idvault/bridge"
	"github.com/jmcleod/idvault/internal/uuid"
)

var passcodeCmd = &cobra.Command{
	Use:   "passcode",
	Short: "Manage the passcode factor",
}

var passcodeEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the passcode and set it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		if err := setEnabled(ctx, bridge.ActionSetPasscodeEnabled, true); err != nil {
			return err
		}
		needed, err := dispatchBool(ctx, bridge.ActionIsPasscodeSetupNeeded)
		if err != nil || !needed {
			return err
		}
		return setPasscode(cmd)
	},
}

var passcodeDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the passcode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		return setEnabled(ctx, bridge.ActionSetPasscodeEnabled, false)
	},
}

var passcodeSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the passcode",
	Long: `Change the passcode. The vault is unlocked first, with the current
passcode when biometrics are disabled. The new passcode is prompted for and
confirmed unless --new-passcode is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		return setPasscode(cmd)
	},
}

// setPasscode sets the passcode from --new-passcode, prompting with
// confirmation when the flag is absent.
func setPasscode(cmd *cobra.Command) error {
	req := request(bridge.ActionSetPasscode)
	if cmd.Flags().Changed("new-passcode") {
		code, err := cmd.Flags().GetString("new-passcode")
		if err != nil {
			return err
		}
		req.Passcode = &code
	}
	_, err := dispatch(cmd.Context(), req)
	return err
}

var biometricsCmd = &cobra.Command{
	Use:   "biometrics",
	Short: "Manage the biometric factor",
}

var biometricsEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable biometric unlock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		return setEnabled(ctx, bridge.ActionSetBiometricsEnabled, true)
	},
}

var biometricsDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable biometric unlock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		return setEnabled(ctx, bridge.ActionSetBiometricsEnabled, false)
	},
}

var biometricsEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Replace the device biometric enrollment",
	Long: `Write a new enrollment ID, as if a biometric had been added to the
device. Keys wrapped under the previous enrollment become unusable and
vaults protected only by biometrics are cleared on their next unlock.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNoVault: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := enrollmentPath()
		if err != nil {
			return err
		}
		return writeEnrollment(path, uuid.New())
	},
}

var biometricsUnenrollCmd = &cobra.Command{
	Use:         "unenroll",
	Short:       "Remove the device biometric enrollment",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNoVault: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := enrollmentPath()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing enrollment: %w", err)
		}
		return nil
	},
}

func enrollmentPath() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.EnrollmentFile == "" {
		return "", fmt.Errorf("enrollment_file is not configured")
	}
	return cfg.EnrollmentFile, nil
}

func writeEnrollment(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating enrollment directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing enrollment: %w", err)
	}
	return nil
}

var secureStorageCmd = &cobra.Command{
	Use:   "secure-storage",
	Short: "Manage secure storage mode",
	Long: `In secure storage mode the vault key is kept on the device, so the
vault never locks and needs neither a passcode nor biometrics. Enabling a
factor leaves the mode.`,
}

var secureStorageEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable secure storage mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		return setEnabled(ctx, bridge.ActionSetSecureStorageModeEnabled, true)
	},
}

var secureStorageDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable secure storage mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setEnabled(cmd.Context(), bridge.ActionSetSecureStorageModeEnabled, false)
	},
}

func init() {
	for _, c := range []*cobra.Command{passcodeEnableCmd, passcodeSetCmd} {
		c.Flags().String("new-passcode", "", "passcode to set instead of prompting")
	}

	passcodeCmd.AddCommand(passcodeEnableCmd, passcodeDisableCmd, passcodeSetCmd)
	biometricsCmd.AddCommand(biometricsEnableCmd, biometricsDisableCmd, biometricsEnrollCmd, biometricsUnenrollCmd)
	secureStorageCmd.AddCommand(secureStorageEnableCmd, secureStorageDisableCmd)

	rootCmd.AddCommand(passcodeCmd, biometricsCmd, secureStorageCmd)
}
