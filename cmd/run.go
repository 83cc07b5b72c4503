package cmd

import (
	"log"

	"github.com/arcward/stockbot/stockbot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the discord bot and the automation API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := stockbot.New(cfg)
		if err != nil {
			log.Fatalf("error creating stockbot: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running stockbot: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(runCmd)
}
