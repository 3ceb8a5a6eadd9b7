package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
  _     _                   _ _
 (_) __| |_   ____ _ _   _| | |_
 | |/ _` + "`" + ` \ \ / / _` + "`" + ` | | | | | __|
 | | (_| |\ V / (_| | |_| | | |_
 |_|\__,_| \_/ \__,_|\__,_|_|\__|

`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Multi-Factor Identity Vault - Version %s\x1b[0m\n\n", Version)
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the version",
	Annotations: map[string]string{annotationNoVault: "true"},
	Run: func(cmd *cobra.Command, _ []string) {
		printBanner(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
