package main

import (
	"fmt"

	"foreman/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Task broker for external runners",
		Long:          "foreman brokers tasks to external runner processes:\natomic claiming under per-account concurrency limits, worker lifecycle\ntracking, and reclamation of abandoned work.",
		Version:       fmt.Sprintf("foreman %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newStatusCmd(),
		newCleanupCmd(),
	)

	return cmd
}
