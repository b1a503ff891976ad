package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"foreman/pkg/broker"
	"foreman/pkg/config"
	"foreman/pkg/eventlog"
	"foreman/pkg/reaper"
	"foreman/pkg/store"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newCleanupCmd creates the "foreman cleanup" subcommand.
func newCleanupCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim abandoned work now",
		Long: `Runs one reaper sweep immediately: force-fails stalled workers and
workers of heartbeat-less accounts, requeues their tasks, expires
abandoned plan approvals, and collects old heartbeat rows.

Idempotent and safe to run while foreman is serving.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if !yes {
				if !isStdinTTY() {
					return fmt.Errorf("refusing to sweep without confirmation (use --yes in scripts)")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sweep %s for abandoned work? [y/N] ", cfg.DBPath)
				reader := bufio.NewReader(cmd.InOrStdin())
				line, _ := reader.ReadString('\n')
				if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			return runCleanup(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default foreman.yaml or foreman.toml)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func runCleanup(cmd *cobra.Command, cfg config.Config) error {
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if err := s.Init(cmd.Context()); err != nil {
		return err
	}

	events := eventlog.NewWriter(s.DB())
	b := broker.New(s, events, broker.Config{MaxConcurrentWorkers: cfg.MaxConcurrentWorkers})
	r := reaper.New(s, b, events, reaper.Config{
		WorkerStaleAfter:    cfg.WorkerStaleAfter.Std(),
		HeartbeatLossAfter:  cfg.HeartbeatLossAfter.Std(),
		PlanApprovalTimeout: cfg.PlanApprovalTimeout.Std(),
	})

	res, err := r.Sweep(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "stalled workers:  %d\n", res.StalledWorkers)
	fmt.Fprintf(w, "requeued tasks:   %d\n", res.OrphanedTasks)
	fmt.Fprintf(w, "expired plans:    %d\n", res.ExpiredPlans)
	fmt.Fprintf(w, "heartbeats freed: %d\n", res.StaleHeartbeats)
	return nil
}

// isStdinTTY reports whether stdin is an interactive terminal.
func isStdinTTY() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
