package cmd

import (
	"fmt"

	"github.com/arcward/stockbot/stockbot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s\n",
			stockbot.Version,
			stockbot.CommitSHA,
			stockbot.BuildTime,
		)
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(versionCmd)
}
