package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/idvault/bridge"
)

type status struct {
	Username              string            `json:"username"`
	Locked                bool              `json:"locked"`
	RemainingAttempts     int               `json:"remainingAttempts"`
	BiometricsAvailable   bool              `json:"biometricsAvailable"`
	LockedOutOfBiometrics bool              `json:"lockedOutOfBiometrics"`
	Config                bridge.ConfigData `json:"config"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the vault configuration and lock state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		var s status
		var err error
		if s.Locked, err = dispatchBool(ctx, bridge.ActionIsLocked); err != nil {
			return err
		}
		if s.BiometricsAvailable, err = dispatchBool(ctx, bridge.ActionIsBiometricsAvailable); err != nil {
			return err
		}
		if s.LockedOutOfBiometrics, err = dispatchBool(ctx, bridge.ActionIsLockedOutOfBiometrics); err != nil {
			return err
		}
		attempts, err := dispatch(ctx, request(bridge.ActionRemainingAttempts))
		if err != nil {
			return err
		}
		s.RemainingAttempts, _ = attempts.(int)
		username, err := dispatch(ctx, request(bridge.ActionGetUsername))
		if err != nil {
			return err
		}
		s.Username, _ = username.(string)
		config, err := dispatch(ctx, request(bridge.ActionGetConfig))
		if err != nil {
			return err
		}
		s.Config, _ = config.(bridge.ConfigData)
		return printJSON(cmd.OutOrStdout(), s)
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check that the vault can be unlocked",
	Long: `Unlock the vault with biometrics, or with the passcode when biometrics
are disabled or --with-passcode is given. Failed attempts count against the
attempt limit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		locked, err := dispatchBool(ctx, bridge.ActionIsLocked)
		if err != nil {
			return err
		}
		if !locked {
			fmt.Fprintln(cmd.OutOrStdout(), "vault is not locked")
			return nil
		}
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "unlocked")
		return nil
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock the vault",
	Long: `Lock the vault. A vault protected by neither a passcode nor biometrics
cannot be unlocked again, so locking it clears its values.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := dispatch(cmd.Context(), request(bridge.ActionLock))
		return err
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every value and reset the vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if !mustGetBool(cmd, "yes") && !prompter.confirm(ctx, fmt.Sprintf("Clear vault %s?", descriptor())) {
			return fmt.Errorf("aborted")
		}
		_, err := dispatch(ctx, request(bridge.ActionClear))
		return err
	},
}

func init() {
	clearCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(statusCmd, unlockCmd, lockCmd, clearCmd)
}
