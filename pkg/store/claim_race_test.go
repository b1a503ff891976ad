package store_test

import (
	"context"
	"sync"
	"testing"

	"foreman/pkg/protocol"
)

// TestConcurrentClaimsSingleWinner verifies the core mutual-exclusion
// property: for all concurrent claim attempts against the same task, exactly
// one conditional update succeeds.
//
// Run with: go test ./pkg/store/ -run TestConcurrentClaims -race -count=10
func TestConcurrentClaimsSingleWinner(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mkTask(t, s, "t-contested", "ws-1", 0)

	const claimants = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)

	start := make(chan struct{})
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(runner int) {
			defer wg.Done()
			<-start
			claimed, err := s.ClaimTask(ctx, "t-contested", "runner-"+string(rune('a'+runner)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if claimed {
				wins++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		t.Errorf("claim error: %v", err)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}

	task, err := s.GetTask(ctx, "t-contested")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != protocol.TaskAssigned {
		t.Errorf("expected assigned after the race, got %q", task.Status)
	}
}
