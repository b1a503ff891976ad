package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "foreman status" subcommand.
func newStatusCmd() *cobra.Command {
	var (
		configPath string
		eventTail  int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show broker state",
		Long:  "Prints a snapshot of workers, tasks, and recent events from the\nbroker database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.DBPath); err != nil {
				return fmt.Errorf("no broker database at %s (is foreman serving?)", cfg.DBPath)
			}

			s, err := store.OpenReadOnly(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			return printStatus(cmd.Context(), cmd.OutOrStdout(), s, eventTail)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default foreman.yaml or foreman.toml)")
	cmd.Flags().IntVar(&eventTail, "events", 10, "number of recent events to show (0 disables)")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, s *store.Store, eventTail int) error {
	workers, err := s.ListWorkers(ctx, store.WorkerFilter{Statuses: protocol.OccupyingStatuses()})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "active workers: %d\n", len(workers))
	for _, worker := range workers {
		fmt.Fprintf(w, "  %-40s %-24s %3d%%  task=%s\n", worker.ID, worker.Status, worker.Progress, worker.TaskID)
	}

	for _, status := range []protocol.TaskStatus{protocol.TaskPending, protocol.TaskAssigned, protocol.TaskCompleted, protocol.TaskFailed} {
		tasks, err := s.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "tasks %-10s %d\n", status+":", len(tasks))
	}

	if eventTail <= 0 {
		return nil
	}
	events, err := eventlog.NewReader(s.DB()).Query(ctx, eventlog.QueryOpts{Limit: eventTail})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	fmt.Fprintln(w, "recent events:")
	for _, ev := range events {
		fmt.Fprintf(w, "  %s  %-20s %-10s task=%s worker=%s\n",
			ev.CreatedAt.Format("15:04:05"), ev.Type, ev.Source, ev.TaskID, ev.WorkerID)
	}
	return nil
}
