package cmd

import (
	"fmt"
	"log"
	"syscall"

	"github.com/arcward/stockbot/stockbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const apiTokenLength = 64

// passwordReader is a function type for reading secrets. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var (
	generateToken bool
	tokenName     string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and create an API token",
	Long: "Runs database migrations. If no API token exists yet, one is " +
		"created, either from a prompt or generated with --generate. " +
		"Until a token exists, the automation API accepts unauthenticated requests.",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable SB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable SB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := stockbot.CreateDB(ctx, cfg)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()

		var tokenCount int64
		if err = db.Model(&stockbot.APIToken{}).Count(&tokenCount).Error; err != nil {
			log.Fatalf("Error checking API tokens: %v", err)
		}
		if tokenCount > 0 {
			_, _ = fmt.Fprintln(out, "An API token already exists.")
			_, _ = fmt.Fprintln(
				out,
				"Initialization complete. You can now start the bot with the 'run' subcommand.",
			)
			return
		}

		var token string
		if generateToken {
			token, err = stockbot.GenerateRandomHexString(apiTokenLength)
			if err != nil {
				log.Fatalf("Error generating API token: %v", err)
			}
		} else {
			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}
			_, _ = fmt.Fprintln(out, "No API token is set. Let's set one up.")
			for {
				_, _ = fmt.Fprint(out, "Enter API token: ")
				tokenBytes, readErr := customPasswordReader()
				_, _ = fmt.Fprintln(out)
				if readErr != nil {
					log.Fatalf("Error reading API token: %v", readErr)
				}

				_, _ = fmt.Fprint(out, "Confirm API token: ")
				confirmBytes, readErr := customPasswordReader()
				_, _ = fmt.Fprintln(out)
				if readErr != nil {
					log.Fatalf("Error reading API token: %v", readErr)
				}

				token = string(tokenBytes)
				if token != "" && token == string(confirmBytes) {
					break
				}
				if token == "" {
					_, _ = fmt.Fprintln(out, "Token can't be empty. Please try again.")
				} else {
					_, _ = fmt.Fprintln(out, "Tokens do not match. Please try again.")
				}
			}
		}

		hash, err := stockbot.HashAPIToken(token)
		if err != nil {
			log.Fatalf("Error hashing API token: %v", err)
		}
		if err = db.Create(&stockbot.APIToken{Name: tokenName, TokenHash: hash}).Error; err != nil {
			log.Fatalf("Error saving API token: %v", err)
		}

		_, _ = fmt.Fprintln(out, "API token set successfully.")
		if generateToken {
			_, _ = fmt.Fprintf(out, "API token (save this, it won't be shown again): %s\n", token)
		}
		_, _ = fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	initCmd.Flags().BoolVar(
		&generateToken,
		"generate",
		false,
		"Generate a random API token instead of prompting for one",
	)
	initCmd.Flags().StringVar(&tokenName, "name", "default", "Name to store with the API token")
	rootCmd.AddCommand(initCmd)
}
