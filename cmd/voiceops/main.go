// Command voiceops runs the voice/text command engine for GitHub: the HTTP
// API, webhook ingress and background jobs, plus maintenance subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	envFile string
	dbPath  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "voiceops",
		Short:         "Voice and text commands for pull requests",
		Long:          `voiceops turns parsed utterances into safe, audited GitHub actions: summaries, review requests, merges, check reruns and agent delegation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&flags.dbPath, "db", "", "SQLite path (overrides DB_PATH)")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newSweepCmd(flags),
		newPoliciesCmd(flags),
		newUsersCmd(flags),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show voiceops version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voiceops v%s\n", version)
		},
	}
}
