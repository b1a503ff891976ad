// Package broker implements the foreman coordination core: atomic task
// claiming under per-account concurrency limits, the worker lifecycle state
// machine, the instruction mailbox, the plan-approval detour, and parent/
// child dependency resolution.
//
// The broker holds no state of its own between calls: every invocation
// reads and writes the shared store, and the store's single-row conditional
// update is the only mutual-exclusion primitive. Two broker processes against
// the same database behave identically to one.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// claimRetries bounds re-selection after a lost CAS race. Each retry picks
// the next eligible task, so a deep pending queue is never misreported as
// empty just because claimants collided on its head.
const claimRetries = 3

// Config holds broker configuration.
type Config struct {
	// MaxConcurrentWorkers is the per-account concurrency ceiling
	// (default 3).
	MaxConcurrentWorkers int
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxConcurrentWorkers == 0 {
		out.MaxConcurrentWorkers = 3
	}
	return out
}

// Broker is the claiming and lifecycle engine.
type Broker struct {
	store  *store.Store
	events *eventlog.Writer
	cfg    Config

	// onChildrenSettled, when set, is invoked after the dependency resolver
	// emits an aggregate settlement event. Duplicate invocations on
	// concurrent sibling settlement are possible; consumers dedupe.
	onChildrenSettled func(ctx context.Context, parentTaskID string, completed, failed int)

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Broker over the shared store.
func New(st *store.Store, events *eventlog.Writer, cfg Config) *Broker {
	return &Broker{
		store:   st,
		events:  events,
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
	}
}

// SetChildrenSettledHook registers the aggregate-notification callback.
func (b *Broker) SetChildrenSettledHook(f func(ctx context.Context, parentTaskID string, completed, failed int)) {
	b.onChildrenSettled = f
}

// SetNowFunc overrides the broker clock. Tests only.
func (b *Broker) SetNowFunc(f func() time.Time) {
	b.nowFunc = f
}

// ClaimRequest identifies the claimant and narrows the eligible task pool.
type ClaimRequest struct {
	// RunnerID names the requesting runner process; recorded as claimed_by.
	RunnerID string `json:"runner_id"`

	// AccountID is the tenant whose capacity the claim consumes.
	AccountID string `json:"account_id"`

	// WorkspaceID, when set, restricts claiming to one workspace.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// TaskID, when set, targets one specific task.
	TaskID string `json:"task_id,omitempty"`

	// MaxTasks caps how many tasks one call may claim (default 1).
	MaxTasks int `json:"max_tasks,omitempty"`
}

// Claim atomically binds pending tasks to new workers, subject to the
// account's concurrency ceiling. An empty result with nil error means
// nothing was eligible, a legitimate outcome rather than a failure.
//
// The capacity check is a best-effort pre-check; single ownership per task
// is guaranteed solely by the store's conditional update.
func (b *Broker) Claim(ctx context.Context, req ClaimRequest) ([]*protocol.Worker, error) {
	if req.RunnerID == "" {
		return nil, errors.New("claim: runner id is required")
	}
	if req.AccountID == "" {
		return nil, errors.New("claim: account id is required")
	}
	maxTasks := req.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}

	var workers []*protocol.Worker
	for len(workers) < maxTasks {
		// Recompute occupancy by counting before every claim so a batch
		// stops exactly at the ceiling.
		occupied, err := b.store.OccupiedSlots(ctx, req.AccountID)
		if err != nil {
			return nil, err
		}
		if occupied >= b.cfg.MaxConcurrentWorkers {
			if len(workers) > 0 {
				break
			}
			return nil, &protocol.CapacityExceededError{
				AccountID: req.AccountID,
				Limit:     b.cfg.MaxConcurrentWorkers,
				Current:   occupied,
			}
		}

		task, err := b.claimOne(ctx, req)
		if errors.Is(err, protocol.ErrNoEligibleTask) {
			break
		}
		if err != nil {
			return nil, err
		}

		worker, err := b.createWorker(ctx, req.AccountID, task)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}

	return workers, nil
}

// claimOne selects and claims a single task. A lost CAS race retries
// selection, since the loser should try the next task rather than give up.
func (b *Broker) claimOne(ctx context.Context, req ClaimRequest) (*protocol.Task, error) {
	for attempt := 0; attempt <= claimRetries; attempt++ {
		task, err := b.store.NextPendingTask(ctx, req.WorkspaceID, req.TaskID)
		if err != nil {
			return nil, err
		}

		claimed, err := b.store.ClaimTask(ctx, task.ID, req.RunnerID)
		if err != nil {
			return nil, err
		}
		if claimed {
			task.Status = protocol.TaskAssigned
			task.ClaimedBy = req.RunnerID
			return task, nil
		}

		// Another claimant won this row. A pinned task id cannot be
		// retried against a different task.
		if req.TaskID != "" {
			return nil, protocol.ErrNoEligibleTask
		}
	}
	return nil, protocol.ErrNoEligibleTask
}

// createWorker binds a freshly claimed task to a new worker in starting.
func (b *Broker) createWorker(ctx context.Context, accountID string, task *protocol.Task) (*protocol.Worker, error) {
	worker := &protocol.Worker{
		ID:        "w-" + uuid.NewString(),
		AccountID: accountID,
		TaskID:    task.ID,
		Status:    protocol.WorkerStarting,
	}
	if err := b.store.CreateWorker(ctx, worker); err != nil {
		return nil, err
	}

	b.logEvent(ctx, "claim", "broker", task.ID, worker.ID,
		fmt.Sprintf(`{"runner":%q,"account":%q}`, task.ClaimedBy, accountID))
	return worker, nil
}

// Ping records a liveness signal for the account.
func (b *Broker) Ping(ctx context.Context, accountID string) error {
	if accountID == "" {
		return errors.New("heartbeat: account id is required")
	}
	if err := b.store.PingHeartbeat(ctx, accountID); err != nil {
		return err
	}
	b.logEvent(ctx, "heartbeat", accountID, "", "", "")
	return nil
}

// logEvent writes to the event log, best-effort. A failed event write never
// fails the operation it describes.
func (b *Broker) logEvent(ctx context.Context, evType, source, taskID, workerID, payload string) {
	if b.events == nil {
		return
	}
	_ = b.events.Log(ctx, evType, source, taskID, workerID, payload)
}
