package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// starterConfig is written by "foreman init". Every value shown is the
// default, so the file is documentation as much as configuration.
const starterConfig = `# foreman broker configuration
db_path: foreman.db
listen_addr: 127.0.0.1:7180

# Per-account concurrency ceiling.
max_concurrent_workers: 3

# Reaper thresholds.
worker_stale_after: 15m
heartbeat_loss_after: 10m
plan_approval_timeout: 24h
sweep_interval: 1m

# Drop JSON task files here to have them ingested.
# spool_dir: spool

# Per-workspace dispatch webhooks.
# webhooks:
#   ws-example: https://hooks.example.com/foreman
`

// newInitCmd creates the "foreman init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter foreman.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			const path = "foreman.yaml"
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
