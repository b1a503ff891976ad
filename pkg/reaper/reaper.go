// Package reaper reclaims abandoned work. It runs periodic sweeps over the
// store and force-fails workers that stopped reporting, returning their tasks
// to the claim pool. Every sweep is idempotent and safe to overlap: each
// action is a conditional write against current state, so a second invocation
// finds nothing left to do.
package reaper

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/broker"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// Config controls the sweep thresholds.
type Config struct {
	// WorkerStaleAfter: an occupying worker with no update for this long is
	// presumed hung (default 15m).
	WorkerStaleAfter time.Duration

	// HeartbeatLossAfter: an account with no heartbeat for this long has its
	// runner machine presumed offline (default 10m).
	HeartbeatLossAfter time.Duration

	// PlanApprovalTimeout: a worker parked in awaiting_plan_approval longer
	// than this is expired, the reviewer having never responded (default 24h).
	PlanApprovalTimeout time.Duration

	// HeartbeatGCAfter: heartbeat rows older than this are deleted
	// (default 10m).
	HeartbeatGCAfter time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.WorkerStaleAfter == 0 {
		out.WorkerStaleAfter = 15 * time.Minute
	}
	if out.HeartbeatLossAfter == 0 {
		out.HeartbeatLossAfter = 10 * time.Minute
	}
	if out.PlanApprovalTimeout == 0 {
		out.PlanApprovalTimeout = 24 * time.Hour
	}
	if out.HeartbeatGCAfter == 0 {
		out.HeartbeatGCAfter = 10 * time.Minute
	}
	return out
}

// Result reports what one sweep reclaimed.
type Result struct {
	StalledWorkers  int `json:"stalled_workers"`
	OrphanedTasks   int `json:"orphaned_tasks"`
	ExpiredPlans    int `json:"expired_plans"`
	StaleHeartbeats int `json:"stale_heartbeats"`
}

// Reaper sweeps the store for abandoned work.
type Reaper struct {
	store   *store.Store
	broker  *broker.Broker
	events  *eventlog.Writer
	cfg     Config
	nowFunc func() time.Time
}

// New builds a reaper over the given store and broker. The events writer may
// be nil.
func New(s *store.Store, b *broker.Broker, events *eventlog.Writer, cfg Config) *Reaper {
	return &Reaper{
		store:   s,
		broker:  b,
		events:  events,
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock. Test use only.
func (r *Reaper) SetNowFunc(f func() time.Time) { r.nowFunc = f }

// Run sweeps on a ticker until the context is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}

// Sweep runs all four reclamation passes once. Per-item failures are logged
// to the event log and skipped; only a failure to enumerate candidates
// returns an error.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := r.nowFunc().UTC()

	// Pass 1: per-worker staleness. A hung task on an otherwise live runner.
	stale, err := r.store.StaleWorkers(ctx, now.Add(-r.cfg.WorkerStaleAfter))
	if err != nil {
		return res, fmt.Errorf("reaper: list stale workers: %w", err)
	}
	for _, w := range stale {
		reason := fmt.Sprintf("stalled: no status update for %s", r.cfg.WorkerStaleAfter)
		if ok := r.forceFail(ctx, w, reason); ok {
			res.StalledWorkers++
			res.OrphanedTasks++
		}
	}

	// Pass 2: per-account heartbeat loss. The whole runner machine went
	// offline, so every occupying worker of the account goes down together.
	// Runs after pass 1 so already-failed workers are no longer occupying.
	accounts, err := r.store.AccountsWithOccupyingWorkers(ctx)
	if err != nil {
		return res, fmt.Errorf("reaper: list accounts: %w", err)
	}
	hbCutoff := now.Add(-r.cfg.HeartbeatLossAfter)
	for _, account := range accounts {
		at, ok, err := r.store.LastHeartbeat(ctx, account)
		if err != nil {
			r.logError(ctx, "", "", err)
			continue
		}
		if ok && !at.Before(hbCutoff) {
			continue
		}
		workers, err := r.store.OccupyingWorkersForAccount(ctx, account)
		if err != nil {
			r.logError(ctx, "", "", err)
			continue
		}
		reason := fmt.Sprintf("runner offline: no heartbeat from account %s for %s", account, r.cfg.HeartbeatLossAfter)
		for _, w := range workers {
			if r.forceFail(ctx, w, reason) {
				res.StalledWorkers++
				res.OrphanedTasks++
			}
		}
	}

	// Pass 3: plan-approval expiry. The reviewer never responded.
	parked, err := r.store.WorkersAwaitingPlanSince(ctx, now.Add(-r.cfg.PlanApprovalTimeout))
	if err != nil {
		return res, fmt.Errorf("reaper: list expired plans: %w", err)
	}
	for _, w := range parked {
		reason := fmt.Sprintf("plan approval timed out after %s", r.cfg.PlanApprovalTimeout)
		if r.forceFail(ctx, w, reason) {
			res.ExpiredPlans++
			res.OrphanedTasks++
		}
	}

	// Pass 4: heartbeat GC. Bookkeeping, not business logic.
	deleted, err := r.store.DeleteHeartbeatsBefore(ctx, now.Add(-r.cfg.HeartbeatGCAfter))
	if err != nil {
		return res, fmt.Errorf("reaper: delete heartbeats: %w", err)
	}
	res.StaleHeartbeats = deleted

	if r.events != nil {
		_ = r.events.Log(ctx, "sweep", "reaper", "", "",
			fmt.Sprintf(`{"stalled_workers":%d,"orphaned_tasks":%d,"expired_plans":%d,"stale_heartbeats":%d}`,
				res.StalledWorkers, res.OrphanedTasks, res.ExpiredPlans, res.StaleHeartbeats))
	}
	return res, nil
}

// forceFail reclaims one worker, reporting whether the reclaim landed. A
// worker another sweep got to first counts as nothing to do. Failures are
// logged and skipped so the rest of the sweep proceeds.
func (r *Reaper) forceFail(ctx context.Context, w *protocol.Worker, reason string) bool {
	reclaimed, err := r.broker.ForceFail(ctx, w, reason)
	if err != nil {
		r.logError(ctx, w.TaskID, w.ID, err)
		return false
	}
	return reclaimed
}

func (r *Reaper) logError(ctx context.Context, taskID, workerID string, err error) {
	if r.events == nil {
		return
	}
	_ = r.events.Log(ctx, "reaper_error", "reaper", taskID, workerID, err.Error())
}
