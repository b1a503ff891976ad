package broker

import (
	"context"
	"errors"
	"fmt"

	"foreman/pkg/protocol"
)

// Instruct appends an out-of-band message to the worker's instruction
// history and overwrites the single pending slot. Last writer wins: only the
// latest instruction is delivered. Delivery is pull-based: the runner drains
// the slot on its next status update.
//
// Returns a human-readable delivery note for the operator.
func (b *Broker) Instruct(ctx context.Context, workerID, message, insType string) (string, error) {
	if message == "" {
		return "", errors.New("instruction: message is required")
	}
	if insType == "" {
		insType = protocol.InstructionOperator
	}

	worker, err := b.store.GetWorker(ctx, workerID)
	if err != nil {
		return "", err
	}
	if worker.Status.Terminal() {
		return "", &protocol.InvalidStateError{WorkerID: workerID, Status: worker.Status, Op: "instruction"}
	}

	ins := &protocol.Instruction{
		Type:      insType,
		Message:   message,
		Timestamp: b.nowFunc().UTC(),
	}
	if err := b.store.SetPendingInstruction(ctx, workerID, ins); err != nil {
		return "", err
	}

	b.logEvent(ctx, "instruction", "operator", worker.TaskID, workerID,
		fmt.Sprintf(`{"type":%q}`, insType))

	return protocol.FormatDeliveryNote(insType, workerID), nil
}

// InstructionHistory returns the worker's append-only instruction log.
func (b *Broker) InstructionHistory(ctx context.Context, workerID string) ([]protocol.Instruction, error) {
	if _, err := b.store.GetWorker(ctx, workerID); err != nil {
		return nil, err
	}
	return b.store.InstructionHistory(ctx, workerID)
}
