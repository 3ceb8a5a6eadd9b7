package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/idvault/bridge"
)

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print a stored value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		req := request(bridge.ActionGetValue)
		req.Key = args[0]
		value, err := dispatch(ctx, req)
		if err != nil {
			return err
		}
		if value == nil {
			return fmt.Errorf("key %q not found", args[0])
		}
		return printJSON(cmd.OutOrStdout(), value)
	},
}

var setCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Store a JSON value",
	Long: `Store VALUE under KEY. VALUE must be JSON unless --string is given,
in which case it is stored as a JSON string.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		value, err := jsonValue(args[1], mustGetBool(cmd, "string"))
		if err != nil {
			return err
		}
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		req := request(bridge.ActionStoreValue)
		req.Key = args[0]
		req.Value = value
		_, err = dispatch(ctx, req)
		return err
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm KEY",
	Aliases: []string{"remove"},
	Short:   "Remove a stored value",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		req := request(bridge.ActionRemoveValue)
		req.Key = args[0]
		_, err := dispatch(ctx, req)
		return err
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List stored keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		keys, err := dispatch(ctx, request(bridge.ActionGetKeys))
		if err != nil {
			return err
		}
		ks, _ := keys.([]string)
		for _, k := range ks {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

// jsonValue returns arg as a JSON document, quoting it first when asString
// is set.
func jsonValue(arg string, asString bool) (json.RawMessage, error) {
	if asString {
		return json.Marshal(arg)
	}
	if !json.Valid([]byte(arg)) {
		return nil, fmt.Errorf("value is not valid JSON; use --string to store plain text")
	}
	return json.RawMessage(arg), nil
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag %s: %v", name, err))
	}
	return v
}

func init() {
	setCmd.Flags().Bool("string", false, "store VALUE as a JSON string")

	rootCmd.AddCommand(getCmd, setCmd, rmCmd, keysCmd)
}
