package main

import (
	"context"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// snapshot is one refresh worth of dashboard data.
type snapshot struct {
	workers    []*protocol.Worker
	taskCounts map[protocol.TaskStatus]int
	events     []eventlog.Event
}

// fetchSnapshot reads the dashboard's entire data surface in one pass.
func fetchSnapshot(ctx context.Context, s *store.Store) (snapshot, error) {
	snap := snapshot{taskCounts: make(map[protocol.TaskStatus]int)}

	workers, err := s.ListWorkers(ctx, store.WorkerFilter{Statuses: protocol.OccupyingStatuses()})
	if err != nil {
		return snap, err
	}
	snap.workers = workers

	for _, status := range []protocol.TaskStatus{
		protocol.TaskPending, protocol.TaskAssigned, protocol.TaskCompleted, protocol.TaskFailed,
	} {
		tasks, err := s.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return snap, err
		}
		snap.taskCounts[status] = len(tasks)
	}

	events, err := eventlog.NewReader(s.DB()).Query(ctx, eventlog.QueryOpts{Limit: 8})
	if err != nil {
		return snap, err
	}
	snap.events = events
	return snap, nil
}
