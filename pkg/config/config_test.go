package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/pkg/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "foreman.yaml", `
db_path: /var/lib/foreman/state.db
listen_addr: 0.0.0.0:8080
max_concurrent_workers: 5
worker_stale_after: 30m
webhooks:
  ws-acme: https://hooks.acme.test/foreman
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/foreman/state.db" {
		t.Errorf("db_path: %q", cfg.DBPath)
	}
	if cfg.MaxConcurrentWorkers != 5 {
		t.Errorf("max_concurrent_workers: %d", cfg.MaxConcurrentWorkers)
	}
	if cfg.WorkerStaleAfter.Std() != 30*time.Minute {
		t.Errorf("worker_stale_after: %v", cfg.WorkerStaleAfter.Std())
	}
	if cfg.Webhooks["ws-acme"] != "https://hooks.acme.test/foreman" {
		t.Errorf("webhooks: %v", cfg.Webhooks)
	}
	// Unset fields get defaults.
	if cfg.HeartbeatLossAfter.Std() != 10*time.Minute {
		t.Errorf("heartbeat_loss_after default: %v", cfg.HeartbeatLossAfter.Std())
	}
	if cfg.PlanApprovalTimeout.Std() != 24*time.Hour {
		t.Errorf("plan_approval_timeout default: %v", cfg.PlanApprovalTimeout.Std())
	}
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "foreman.toml", `
db_path = "state.db"
heartbeat_loss_after = "5m"

[webhooks]
ws-1 = "https://example.test/hook"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "state.db" {
		t.Errorf("db_path: %q", cfg.DBPath)
	}
	if cfg.HeartbeatLossAfter.Std() != 5*time.Minute {
		t.Errorf("heartbeat_loss_after: %v", cfg.HeartbeatLossAfter.Std())
	}
	if cfg.Webhooks["ws-1"] != "https://example.test/hook" {
		t.Errorf("webhooks: %v", cfg.Webhooks)
	}
}

func TestLoadEmptyFileIsAllDefaults(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "foreman.yaml", "")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxConcurrentWorkers != 3 || cfg.ListenAddr != "127.0.0.1:7180" || cfg.DBPath != "foreman.db" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadBadDuration(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "foreman.yaml", "worker_stale_after: fifteen minutes\n")

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected a parse error for a bad duration")
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "foreman.ini", "db_path = x\n")

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an error for an unsupported extension")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "foreman.yaml", "max_concurrent_workers: 7\n")

	cfg, err := config.LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxConcurrentWorkers != 7 {
		t.Errorf("expected the existing file to win, got %d", cfg.MaxConcurrentWorkers)
	}

	cfg, err = config.LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.MaxConcurrentWorkers != 3 {
		t.Errorf("expected defaults, got %d", cfg.MaxConcurrentWorkers)
	}
}
