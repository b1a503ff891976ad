package protocol

import (
	"errors"
	"fmt"
)

// ErrNoEligibleTask is returned when nothing matches a claim request. This is
// a legitimate empty result, not a failure.
var ErrNoEligibleTask = errors.New("no eligible task")

// ErrParentCycle is returned when a task's parent chain loops back to the
// task itself. Parent links form a tree; no cycles permitted.
var ErrParentCycle = errors.New("parent chain loops back to the task")

// CapacityExceededError is returned when an account is at its concurrency
// ceiling. It carries the limit and the observed slot count so callers can
// surface both.
type CapacityExceededError struct {
	AccountID string
	Limit     int
	Current   int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("account %s at capacity: %d/%d workers occupying slots",
		e.AccountID, e.Current, e.Limit)
}

// InvalidStateError is returned when an operation is illegal for a worker's
// current status (e.g. approving a plan that is not awaiting approval).
type InvalidStateError struct {
	WorkerID string
	Status   WorkerStatus
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("worker %s: %s not allowed in status %q", e.WorkerID, e.Op, e.Status)
}

// NotFoundError is returned for stale or foreign IDs.
type NotFoundError struct {
	Kind string // "task", "worker", "plan"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
