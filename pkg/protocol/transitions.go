package protocol

// transitions is the worker lifecycle edge table. A missing entry means the
// transition is illegal. Self-transitions on non-terminal statuses are always
// allowed (a runner re-reporting its current state with fresh progress).
var transitions = map[WorkerStatus][]WorkerStatus{
	WorkerIdle:                 {WorkerStarting, WorkerRunning, WorkerCompleted, WorkerFailed},
	WorkerStarting:             {WorkerRunning, WorkerWaitingInput, WorkerCompleted, WorkerFailed},
	WorkerRunning:              {WorkerWaitingInput, WorkerAwaitingPlanApproval, WorkerCompleted, WorkerFailed},
	WorkerWaitingInput:         {WorkerRunning, WorkerCompleted, WorkerFailed},
	WorkerAwaitingPlanApproval: {WorkerRunning, WorkerCompleted, WorkerFailed},
	WorkerCompleted:            {},
	WorkerFailed:               {},
}

// CanTransition reports whether a worker may move from one status to another.
func CanTransition(from, to WorkerStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
