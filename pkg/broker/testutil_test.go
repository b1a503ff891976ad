package broker_test

import (
	"context"
	"path/filepath"
	"testing"

	"foreman/pkg/broker"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// testEnv bundles the broker with handles into its backing store.
type testEnv struct {
	broker *broker.Broker
	store  *store.Store
	events *eventlog.Reader
}

// newTestEnv opens a file-backed store in a temp dir so concurrent
// connections share one database, and wires a broker with the given
// per-account ceiling.
func newTestEnv(t *testing.T, maxWorkers int) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	b := broker.New(s, eventlog.NewWriter(s.DB()), broker.Config{MaxConcurrentWorkers: maxWorkers})
	return &testEnv{
		broker: b,
		store:  s,
		events: eventlog.NewReader(s.DB()),
	}
}

func (e *testEnv) mkTask(t *testing.T, id, workspace string, priority int) *protocol.Task {
	t.Helper()
	task := &protocol.Task{ID: id, WorkspaceID: workspace, Title: "task " + id, Priority: priority}
	if err := e.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func (e *testEnv) mkChildTask(t *testing.T, id, parentID string) *protocol.Task {
	t.Helper()
	task := &protocol.Task{ID: id, WorkspaceID: "ws-1", Title: "task " + id, ParentTaskID: parentID}
	if err := e.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create child task %s: %v", id, err)
	}
	return task
}

// claimOne claims the given task and returns its starting worker.
func (e *testEnv) claimOne(t *testing.T, account, taskID string) *protocol.Worker {
	t.Helper()
	workers, err := e.broker.Claim(context.Background(), broker.ClaimRequest{
		RunnerID:  "runner-" + account,
		AccountID: account,
		TaskID:    taskID,
	})
	if err != nil {
		t.Fatalf("claim %s: %v", taskID, err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker from claim, got %d", len(workers))
	}
	return workers[0]
}

// runningWorker claims a task and advances its worker to running.
func (e *testEnv) runningWorker(t *testing.T, account, taskID string) *protocol.Worker {
	t.Helper()
	w := e.claimOne(t, account, taskID)
	updated, err := e.broker.UpdateStatus(context.Background(), w.ID, broker.StatusUpdate{
		Status: protocol.WorkerRunning,
	})
	if err != nil {
		t.Fatalf("advance worker to running: %v", err)
	}
	return updated
}
