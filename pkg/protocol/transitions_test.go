package protocol_test

import (
	"testing"

	"foreman/pkg/protocol"
)

func TestCanTransitionLifecycleEdges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from protocol.WorkerStatus
		to   protocol.WorkerStatus
		want bool
	}{
		{"starting to running", protocol.WorkerStarting, protocol.WorkerRunning, true},
		{"idle to running", protocol.WorkerIdle, protocol.WorkerRunning, true},
		{"running to waiting_input", protocol.WorkerRunning, protocol.WorkerWaitingInput, true},
		{"running to awaiting_plan_approval", protocol.WorkerRunning, protocol.WorkerAwaitingPlanApproval, true},
		{"awaiting_plan_approval to running", protocol.WorkerAwaitingPlanApproval, protocol.WorkerRunning, true},
		{"waiting_input to running", protocol.WorkerWaitingInput, protocol.WorkerRunning, true},
		{"running to completed", protocol.WorkerRunning, protocol.WorkerCompleted, true},
		{"starting to failed", protocol.WorkerStarting, protocol.WorkerFailed, true},
		{"waiting_input to failed", protocol.WorkerWaitingInput, protocol.WorkerFailed, true},
		{"awaiting_plan_approval to completed", protocol.WorkerAwaitingPlanApproval, protocol.WorkerCompleted, true},
		{"starting to awaiting_plan_approval", protocol.WorkerStarting, protocol.WorkerAwaitingPlanApproval, false},
		{"waiting_input to awaiting_plan_approval", protocol.WorkerWaitingInput, protocol.WorkerAwaitingPlanApproval, false},
		{"completed to running", protocol.WorkerCompleted, protocol.WorkerRunning, false},
		{"failed to running", protocol.WorkerFailed, protocol.WorkerRunning, false},
		{"completed to failed", protocol.WorkerCompleted, protocol.WorkerFailed, false},
		{"unknown status", protocol.WorkerStatus("bogus"), protocol.WorkerRunning, false},
		{"to unknown status", protocol.WorkerRunning, protocol.WorkerStatus("bogus"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := protocol.CanTransition(tc.from, tc.to); got != tc.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestSelfTransitionAllowedUnlessTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []protocol.WorkerStatus{
		protocol.WorkerIdle, protocol.WorkerStarting, protocol.WorkerRunning,
		protocol.WorkerWaitingInput, protocol.WorkerAwaitingPlanApproval,
	} {
		if !protocol.CanTransition(s, s) {
			t.Errorf("self-transition on %q should be allowed", s)
		}
	}
	for _, s := range []protocol.WorkerStatus{protocol.WorkerCompleted, protocol.WorkerFailed} {
		if protocol.CanTransition(s, s) {
			t.Errorf("self-transition on terminal %q should be rejected", s)
		}
	}
}

func TestOccupyingStatuses(t *testing.T) {
	t.Parallel()

	occupying := map[protocol.WorkerStatus]bool{}
	for _, s := range protocol.OccupyingStatuses() {
		occupying[s] = true
		if !s.Occupying() {
			t.Errorf("%q listed as occupying but Occupying() is false", s)
		}
	}
	if occupying[protocol.WorkerCompleted] || occupying[protocol.WorkerFailed] {
		t.Error("terminal statuses must never occupy a capacity slot")
	}
	if protocol.WorkerIdle.Occupying() {
		t.Error("idle must not occupy a capacity slot")
	}
	if len(occupying) != 4 {
		t.Errorf("expected 4 occupying statuses, got %d", len(occupying))
	}
}
