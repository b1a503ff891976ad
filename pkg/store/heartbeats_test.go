package store_test

import (
	"context"
	"testing"
	"time"

	"foreman/pkg/protocol"
)

func TestHeartbeatLastWriteWins(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.SetNowFunc(func() time.Time { return clock })

	if err := s.PingHeartbeat(ctx, "acct-1"); err != nil {
		t.Fatalf("first ping: %v", err)
	}
	clock = base.Add(3 * time.Minute)
	if err := s.PingHeartbeat(ctx, "acct-1"); err != nil {
		t.Fatalf("second ping: %v", err)
	}

	at, ok, err := s.LastHeartbeat(ctx, "acct-1")
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if !ok {
		t.Fatal("heartbeat row should exist")
	}
	if !at.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("expected latest timestamp, got %v", at)
	}

	_, ok, err = s.LastHeartbeat(ctx, "acct-never")
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if ok {
		t.Error("account without pings should have no heartbeat row")
	}
}

func TestDeleteHeartbeatsBefore(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.SetNowFunc(func() time.Time { return clock })

	if err := s.PingHeartbeat(ctx, "acct-old"); err != nil {
		t.Fatalf("ping: %v", err)
	}
	clock = base.Add(30 * time.Minute)
	if err := s.PingHeartbeat(ctx, "acct-new"); err != nil {
		t.Fatalf("ping: %v", err)
	}

	deleted, err := s.DeleteHeartbeatsBefore(ctx, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted row, got %d", deleted)
	}

	_, ok, err := s.LastHeartbeat(ctx, "acct-new")
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if !ok {
		t.Error("recent heartbeat should survive GC")
	}
}

func TestPlanReplaceInPlace(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.SetNowFunc(func() time.Time { return clock })

	if err := s.SavePlan(ctx, "w-1", "1. read code\n2. write fix"); err != nil {
		t.Fatalf("first save: %v", err)
	}
	clock = base.Add(time.Hour)
	if err := s.SavePlan(ctx, "w-1", "1. read code\n2. write fix\n3. add tests"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	plan, err := s.GetPlan(ctx, "w-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if plan.Content != "1. read code\n2. write fix\n3. add tests" {
		t.Errorf("plan should reflect the latest submission, got %q", plan.Content)
	}
	if !plan.SubmittedAt.Equal(base) {
		t.Errorf("submitted_at should be preserved across resubmission, got %v", plan.SubmittedAt)
	}
	if !plan.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("updated_at should track the revision, got %v", plan.UpdatedAt)
	}

	// Replacement, not duplication.
	n, err := s.CountPlans(ctx, "w-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly one plan row, got %d", n)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetPlan(context.Background(), "w-none")
	var nf *protocol.NotFoundError
	if !asNotFound(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Kind != "plan" {
		t.Errorf("expected plan kind, got %q", nf.Kind)
	}
}
