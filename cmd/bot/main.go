package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groupbot",
		Short: "WhatsApp group auto-messaging bot",
		Long: `groupbot counts messages in selected WhatsApp groups and posts a
configured message once a group reaches its threshold.

Examples:
  groupbot serve
  groupbot login sales
  groupbot wipe sales --data
  groupbot sessions
  groupbot settings set --enabled --threshold 5 --text "Hello"
  groupbot template add --name promo --text "Visit us"
  groupbot preset set 120363000000000000@g.us --cooldown 600`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to configuration file")

	rootCmd.AddCommand(
		newServeCmd(),
		newLoginCmd(),
		newWipeCmd(),
		newSessionsCmd(),
		newSettingsCmd(),
		newTemplateCmd(),
		newPresetCmd(),
	)

	return rootCmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return path
}
