package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"foreman/pkg/broker"
	"foreman/pkg/config"
	"foreman/pkg/dispatch"
	"foreman/pkg/eventlog"
	"foreman/pkg/httpapi"
	"foreman/pkg/reaper"
	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newServeCmd creates the "foreman serve" subcommand.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker HTTP server",
		Long:  "Serves the broker API, sweeps for abandoned work on a ticker,\nand ingests task files dropped into the spool directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default foreman.yaml or foreman.toml)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadOrDefault("foreman.yaml", "foreman.toml")
}

func runServe(ctx context.Context, out io.Writer, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if err := s.Init(ctx); err != nil {
		return err
	}

	events := eventlog.NewWriter(s.DB())
	b := broker.New(s, events, broker.Config{MaxConcurrentWorkers: cfg.MaxConcurrentWorkers})
	r := reaper.New(s, b, events, reaper.Config{
		WorkerStaleAfter:    cfg.WorkerStaleAfter.Std(),
		HeartbeatLossAfter:  cfg.HeartbeatLossAfter.Std(),
		PlanApprovalTimeout: cfg.PlanApprovalTimeout.Std(),
	})
	router := dispatch.NewRouter(nil, cfg.Webhooks, events)

	go r.Run(ctx, cfg.SweepInterval.Std())

	if cfg.SpoolDir != "" {
		watcher, err := newSpoolWatcher(cfg.SpoolDir, s, router)
		if err != nil {
			return err
		}
		go watcher.run(ctx)
	}

	api := httpapi.New(s, b, r, router)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(out, "foreman listening on %s (db %s)\n", cfg.ListenAddr, cfg.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Fprintln(out, "foreman stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
