package broker

import (
	"context"
	"fmt"

	"foreman/pkg/protocol"
)

// StatusUpdate is one runner-reported mutation of its worker. Nil pointer
// fields leave the current value untouched.
type StatusUpdate struct {
	// Status is the target lifecycle status. Empty keeps the current one
	// (a progress-only touch).
	Status protocol.WorkerStatus `json:"status,omitempty"`

	Progress      *int    `json:"progress,omitempty"`
	CurrentAction *string `json:"current_action,omitempty"`

	// WaitingFor carries the structured prompt for waiting_input. Any
	// update whose target status is not waiting_input clears it regardless;
	// ClearWaitingFor makes the explicit-null form available and idempotent.
	WaitingFor      *protocol.WaitingFor `json:"waiting_for,omitempty"`
	ClearWaitingFor bool                 `json:"clear_waiting_for,omitempty"`

	// Error is recorded when the runner reports failure.
	Error string `json:"error,omitempty"`
}

// UpdateStatus applies one lifecycle transition to a worker. The returned
// snapshot carries any pending instruction, whose slot is cleared as a side
// effect; this is the mailbox's pull-based delivery.
func (b *Broker) UpdateStatus(ctx context.Context, workerID string, upd StatusUpdate) (*protocol.Worker, error) {
	worker, err := b.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	target := upd.Status
	if target == "" {
		target = worker.Status
	}
	if worker.Status.Terminal() {
		return nil, &protocol.InvalidStateError{WorkerID: workerID, Status: worker.Status, Op: "status update"}
	}
	if !protocol.CanTransition(worker.Status, target) {
		return nil, &protocol.InvalidStateError{
			WorkerID: workerID,
			Status:   worker.Status,
			Op:       fmt.Sprintf("transition to %q", target),
		}
	}

	from := worker.Status
	worker.Status = target
	if upd.Progress != nil {
		worker.Progress = clampProgress(*upd.Progress)
	}
	if upd.CurrentAction != nil {
		worker.CurrentAction = *upd.CurrentAction
	}
	if upd.Error != "" {
		worker.Error = upd.Error
	}

	switch {
	case target != protocol.WorkerWaitingInput:
		// Leaving (or never entering) waiting_input clears the prompt; no
		// explicit clear required.
		worker.WaitingFor = nil
	case upd.ClearWaitingFor:
		worker.WaitingFor = nil
	case upd.WaitingFor != nil:
		worker.WaitingFor = upd.WaitingFor
	}

	if err := b.store.UpdateWorker(ctx, worker); err != nil {
		return nil, err
	}

	// Deliver the mailbox: read and clear the pending slot.
	pending, err := b.store.TakePendingInstruction(ctx, workerID)
	if err != nil {
		return nil, err
	}
	worker.PendingInstructions = pending

	b.logEvent(ctx, "status", "runner", worker.TaskID, workerID,
		fmt.Sprintf(`{"from":%q,"to":%q,"progress":%d}`, from, target, worker.Progress))

	if target.Terminal() {
		if err := b.settleWorker(ctx, worker); err != nil {
			return nil, err
		}
	}

	return worker, nil
}

// settleWorker mirrors a worker's terminal status onto its task, releasing
// the capacity slot implicitly (terminal workers are not counted), then runs
// the dependency resolver.
func (b *Broker) settleWorker(ctx context.Context, worker *protocol.Worker) error {
	taskStatus := protocol.TaskCompleted
	if worker.Status == protocol.WorkerFailed {
		taskStatus = protocol.TaskFailed
	}
	if err := b.store.FinishTask(ctx, worker.TaskID, taskStatus); err != nil {
		return err
	}

	task, err := b.store.GetTask(ctx, worker.TaskID)
	if err != nil {
		return err
	}
	b.resolveDependencies(ctx, task)
	return nil
}

// ForceFail marks a worker failed outside the transition table and requeues
// its task into the claim pool. Reaper use: the reason string is the only
// signal an operator gets that the work ended abnormally. Returns false
// without touching anything when the worker already left its occupying
// status, so overlapping sweeps cannot requeue a task out from under the
// fresh worker that reclaimed it.
func (b *Broker) ForceFail(ctx context.Context, worker *protocol.Worker, reason string) (bool, error) {
	failed, err := b.store.ForceFailWorker(ctx, worker.ID, reason)
	if err != nil {
		return false, err
	}
	if !failed {
		return false, nil
	}
	if err := b.store.RequeueTask(ctx, worker.TaskID); err != nil {
		return false, err
	}

	b.logEvent(ctx, "force_failed", "reaper", worker.TaskID, worker.ID,
		fmt.Sprintf(`{"reason":%q}`, reason))

	// The requeued task is pending again, so a settlement event only fires
	// once its siblings (and its own retry) reach terminal states.
	task, err := b.store.GetTask(ctx, worker.TaskID)
	if err != nil {
		return true, err
	}
	b.resolveDependencies(ctx, task)
	return true, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
