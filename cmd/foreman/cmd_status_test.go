package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

func TestPrintStatusSnapshot(t *testing.T) {
	t.Parallel()
	s := seedStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &protocol.Task{ID: "t-1", WorkspaceID: "ws-1", Title: "pending thing"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := s.CreateWorker(ctx, &protocol.Worker{ID: "w-1", AccountID: "acct-1", TaskID: "t-2", Status: protocol.WorkerRunning}); err != nil {
		t.Fatalf("create worker: %v", err)
	}

	var out bytes.Buffer
	if err := printStatus(ctx, &out, s, 10); err != nil {
		t.Fatalf("print status: %v", err)
	}

	got := out.String()
	for _, want := range []string{"active workers: 1", "w-1", "tasks pending:", "tasks completed: 0"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintStatusEmptyDatabase(t *testing.T) {
	t.Parallel()
	s := seedStore(t)

	var out bytes.Buffer
	if err := printStatus(context.Background(), &out, s, 0); err != nil {
		t.Fatalf("print status: %v", err)
	}
	if !strings.Contains(out.String(), "active workers: 0") {
		t.Errorf("unexpected output: %q", out.String())
	}
}
