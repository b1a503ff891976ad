package broker

import (
	"context"
	"errors"
	"fmt"

	"foreman/pkg/protocol"
)

// SubmitPlan stores a worker's plan and parks the worker in
// awaiting_plan_approval. Legal from running (initial submission) and from
// awaiting_plan_approval (resubmission after feedback); the latter replaces
// the plan content in place rather than erroring.
func (b *Broker) SubmitPlan(ctx context.Context, workerID, content string) (*protocol.Worker, error) {
	if content == "" {
		return nil, errors.New("plan: content is required")
	}

	worker, err := b.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	switch worker.Status {
	case protocol.WorkerRunning:
		worker.Status = protocol.WorkerAwaitingPlanApproval
		worker.WaitingFor = nil
		if err := b.store.UpdateWorker(ctx, worker); err != nil {
			return nil, err
		}
	case protocol.WorkerAwaitingPlanApproval:
		// Resubmission: content replaced below, status unchanged.
	default:
		return nil, &protocol.InvalidStateError{WorkerID: workerID, Status: worker.Status, Op: "submit plan"}
	}

	if err := b.store.SavePlan(ctx, workerID, content); err != nil {
		return nil, err
	}

	b.logEvent(ctx, "plan_submitted", "runner", worker.TaskID, workerID,
		fmt.Sprintf(`{"bytes":%d}`, len(content)))
	return worker, nil
}

// GetPlan returns the worker's live plan, always reflecting the latest
// submission.
func (b *Broker) GetPlan(ctx context.Context, workerID string) (*protocol.PlanArtifact, error) {
	return b.store.GetPlan(ctx, workerID)
}

// ApprovePlan releases a worker from the plan-approval detour with no
// content change. Only legal while the worker is awaiting approval.
func (b *Broker) ApprovePlan(ctx context.Context, workerID string) (*protocol.Worker, error) {
	worker, err := b.planGate(ctx, workerID, "approve plan")
	if err != nil {
		return nil, err
	}

	worker.Status = protocol.WorkerRunning
	if err := b.store.UpdateWorker(ctx, worker); err != nil {
		return nil, err
	}

	b.logEvent(ctx, "plan_approved", "operator", worker.TaskID, workerID, "")
	return worker, nil
}

// RequestPlanRevision sends the reviewer's feedback to the worker as a
// request_plan instruction and returns it to running so it can revise and
// resubmit.
func (b *Broker) RequestPlanRevision(ctx context.Context, workerID, message string) (*protocol.Worker, error) {
	if message == "" {
		return nil, errors.New("plan revision: message is required")
	}

	worker, err := b.planGate(ctx, workerID, "request plan revision")
	if err != nil {
		return nil, err
	}

	ins := &protocol.Instruction{
		Type:      protocol.InstructionRequestPlan,
		Message:   message,
		Timestamp: b.nowFunc().UTC(),
	}
	if err := b.store.SetPendingInstruction(ctx, workerID, ins); err != nil {
		return nil, err
	}

	worker.Status = protocol.WorkerRunning
	if err := b.store.UpdateWorker(ctx, worker); err != nil {
		return nil, err
	}

	b.logEvent(ctx, "plan_revision_requested", "operator", worker.TaskID, workerID, "")
	return worker, nil
}

// planGate loads the worker and rejects approve/revise outside the
// awaiting_plan_approval status.
func (b *Broker) planGate(ctx context.Context, workerID, op string) (*protocol.Worker, error) {
	worker, err := b.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.Status != protocol.WorkerAwaitingPlanApproval {
		return nil, &protocol.InvalidStateError{WorkerID: workerID, Status: worker.Status, Op: op}
	}
	return worker, nil
}
