package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"foreman/pkg/protocol"
)

// SavePlan stores the worker's plan, replacing any existing content in place.
// submitted_at is preserved across resubmissions; updated_at tracks the
// latest revision.
func (s *Store) SavePlan(ctx context.Context, workerID, content string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (worker_id, content, submitted_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		workerID, content, now, now)
	if err != nil {
		return fmt.Errorf("save plan for %s: %w", workerID, err)
	}
	return nil
}

// GetPlan returns the worker's live plan.
func (s *Store) GetPlan(ctx context.Context, workerID string) (*protocol.PlanArtifact, error) {
	var p protocol.PlanArtifact
	var submitted, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT worker_id, content, submitted_at, updated_at FROM plans WHERE worker_id = ?`,
		workerID).Scan(&p.WorkerID, &p.Content, &submitted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "plan", ID: workerID}
	}
	if err != nil {
		return nil, fmt.Errorf("get plan for %s: %w", workerID, err)
	}
	if p.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

// CountPlans returns the number of plan rows for a worker. At most one may
// ever exist; tests assert this.
func (s *Store) CountPlans(ctx context.Context, workerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM plans WHERE worker_id = ?`, workerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count plans for %s: %w", workerID, err)
	}
	return n, nil
}
