package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keywarden/keywarden/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cfg is resolved once per invocation by PersistentPreRunE and shared
// by every subcommand.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "keywarden",
	Short: "keywarden is a credential vault server for AI coding assistants",
	Long: `A credential vault server built on the KeePass database format.

keywarden exposes an encrypted KDBX database to AI coding assistants
over the Model Context Protocol, with session-based authentication,
rate limiting, auto-lock, and checksummed backups.

Configuration is read from KEYWARDEN_* environment variables, with an
optional .env file in the working directory. KEYWARDEN_DB_PATH is
required for every command except version.`,
	// PersistentPreRunE runs before the root command and all
	// subcommands. This resolves the environment configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip for commands that do not touch the database.
		switch cmd.Name() {
		case "version", "help", "completion":
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the keywarden version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("keywarden %s\n", version)
	},
}
