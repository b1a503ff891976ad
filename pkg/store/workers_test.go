package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"foreman/pkg/protocol"
)

func TestOccupiedSlotsCountsOnlyOccupyingStatuses(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mkWorker(t, s, "w-1", "acct-1", "t-1", protocol.WorkerStarting)
	mkWorker(t, s, "w-2", "acct-1", "t-2", protocol.WorkerRunning)
	mkWorker(t, s, "w-3", "acct-1", "t-3", protocol.WorkerWaitingInput)
	mkWorker(t, s, "w-4", "acct-1", "t-4", protocol.WorkerAwaitingPlanApproval)
	mkWorker(t, s, "w-5", "acct-1", "t-5", protocol.WorkerCompleted)
	mkWorker(t, s, "w-6", "acct-1", "t-6", protocol.WorkerFailed)
	mkWorker(t, s, "w-7", "acct-2", "t-7", protocol.WorkerRunning)

	n, err := s.OccupiedSlots(ctx, "acct-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 occupied slots for acct-1, got %d", n)
	}

	n, err = s.OccupiedSlots(ctx, "acct-2")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 occupied slot for acct-2, got %d", n)
	}
}

func TestUpdateWorkerPersistsWaitingFor(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	w := mkWorker(t, s, "w-1", "acct-1", "t-1", protocol.WorkerRunning)

	w.Status = protocol.WorkerWaitingInput
	w.WaitingFor = &protocol.WaitingFor{
		Type:    "choice",
		Prompt:  "deploy to staging or production?",
		Options: []string{"staging", "production"},
	}
	if err := s.UpdateWorker(ctx, w); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetWorker(ctx, "w-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WaitingFor == nil {
		t.Fatal("waiting_for should round-trip")
	}
	if got.WaitingFor.Prompt != "deploy to staging or production?" {
		t.Errorf("unexpected prompt %q", got.WaitingFor.Prompt)
	}
	if len(got.WaitingFor.Options) != 2 {
		t.Errorf("expected 2 options, got %d", len(got.WaitingFor.Options))
	}

	// Clearing the pointer clears the column.
	got.Status = protocol.WorkerRunning
	got.WaitingFor = nil
	if err := s.UpdateWorker(ctx, got); err != nil {
		t.Fatalf("clear update: %v", err)
	}
	got, err = s.GetWorker(ctx, "w-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WaitingFor != nil {
		t.Error("waiting_for should be cleared")
	}
}

func TestPendingInstructionSlotLastWriterWins(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mkWorker(t, s, "w-1", "acct-1", "t-1", protocol.WorkerRunning)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &protocol.Instruction{Type: protocol.InstructionOperator, Message: "check the logs", Timestamp: now}
	second := &protocol.Instruction{Type: protocol.InstructionOperator, Message: "stop and report", Timestamp: now.Add(time.Minute)}

	if err := s.SetPendingInstruction(ctx, "w-1", first); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := s.SetPendingInstruction(ctx, "w-1", second); err != nil {
		t.Fatalf("second set: %v", err)
	}

	// Only the latest is delivered.
	ins, err := s.TakePendingInstruction(ctx, "w-1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if ins == nil || ins.Message != "stop and report" {
		t.Fatalf("expected latest instruction, got %+v", ins)
	}

	// Taking drains the slot.
	ins, err = s.TakePendingInstruction(ctx, "w-1")
	if err != nil {
		t.Fatalf("second take: %v", err)
	}
	if ins != nil {
		t.Fatalf("slot should be empty after take, got %+v", ins)
	}

	// History keeps both, oldest first.
	history, err := s.InstructionHistory(ctx, "w-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Message != "check the logs" || history[1].Message != "stop and report" {
		t.Errorf("history out of order: %+v", history)
	}
}

func TestForceFailWorkerRecordsReason(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	w := mkWorker(t, s, "w-1", "acct-1", "t-1", protocol.WorkerWaitingInput)
	w.WaitingFor = &protocol.WaitingFor{Type: "text", Prompt: "which branch?"}
	if err := s.UpdateWorker(ctx, w); err != nil {
		t.Fatalf("update: %v", err)
	}

	failed, err := s.ForceFailWorker(ctx, "w-1", "worker stalled: no progress update for 15m0s")
	if err != nil {
		t.Fatalf("force fail: %v", err)
	}
	if !failed {
		t.Fatal("expected the occupying worker to be failed")
	}

	got, err := s.GetWorker(ctx, "w-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != protocol.WorkerFailed {
		t.Errorf("expected failed, got %q", got.Status)
	}
	if got.Error == "" {
		t.Error("force-failed worker must carry a human-readable error")
	}
	if got.WaitingFor != nil {
		t.Error("waiting_for should be cleared on forced failure")
	}
}

func TestStaleWorkersCutoff(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.SetNowFunc(func() time.Time { return clock })

	mkWorker(t, s, "w-stale", "acct-1", "t-1", protocol.WorkerRunning)
	mkWorker(t, s, "w-parked", "acct-1", "t-4", protocol.WorkerAwaitingPlanApproval)

	clock = base.Add(20 * time.Minute)
	mkWorker(t, s, "w-fresh", "acct-1", "t-2", protocol.WorkerRunning)
	mkWorker(t, s, "w-terminal", "acct-1", "t-3", protocol.WorkerFailed)

	stale, err := s.StaleWorkers(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("stale workers: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "w-stale" {
		t.Fatalf("expected only w-stale, got %+v", workerIDs(stale))
	}
}

func TestAccountsWithOccupyingWorkers(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mkWorker(t, s, "w-1", "acct-b", "t-1", protocol.WorkerRunning)
	mkWorker(t, s, "w-2", "acct-a", "t-2", protocol.WorkerStarting)
	mkWorker(t, s, "w-3", "acct-c", "t-3", protocol.WorkerCompleted)

	accounts, err := s.AccountsWithOccupyingWorkers(ctx)
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if len(accounts) != 2 || accounts[0] != "acct-a" || accounts[1] != "acct-b" {
		t.Fatalf("expected [acct-a acct-b], got %v", accounts)
	}
}

func workerIDs(ws []*protocol.Worker) []string {
	ids := make([]string, len(ws))
	for i, w := range ws {
		ids[i] = w.ID
	}
	return ids
}

// TestTakePendingInstructionKeepsConcurrentOverwrite races a drain against a
// fresh enqueue on an occupied slot. The overwriting instruction must either
// come back from the racing drain or stay in the slot for the next one; a
// blind clear would delete it undelivered.
func TestTakePendingInstructionKeepsConcurrentOverwrite(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mkWorker(t, s, "w-1", "acct-1", "t-1", protocol.WorkerRunning)

	for i := 0; i < 100; i++ {
		seed := fmt.Sprintf("seed %d", i)
		override := fmt.Sprintf("override %d", i)
		if err := s.SetPendingInstruction(ctx, "w-1", &protocol.Instruction{
			Type: protocol.InstructionOperator, Message: seed, Timestamp: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		var taken *protocol.Instruction
		go func() {
			defer wg.Done()
			ins, err := s.TakePendingInstruction(ctx, "w-1")
			if err != nil {
				t.Errorf("take: %v", err)
				return
			}
			taken = ins
		}()
		go func() {
			defer wg.Done()
			if err := s.SetPendingInstruction(ctx, "w-1", &protocol.Instruction{
				Type: protocol.InstructionOperator, Message: override, Timestamp: time.Now().UTC(),
			}); err != nil {
				t.Errorf("overwrite: %v", err)
			}
		}()
		wg.Wait()

		if taken != nil && taken.Message == override {
			continue
		}
		left, err := s.TakePendingInstruction(ctx, "w-1")
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if left == nil || left.Message != override {
			t.Fatalf("round %d: overwriting instruction lost undelivered", i)
		}
	}
}
