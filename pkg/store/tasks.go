package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"foreman/pkg/protocol"
)

const taskColumns = `id, workspace_id, title, description, status, priority, mode,
	COALESCE(parent_task_id, ''), COALESCE(claimed_by, ''), COALESCE(claimed_at, ''),
	COALESCE(external_source, ''), COALESCE(external_id, ''), COALESCE(external_url, ''),
	created_at, updated_at`

// CreateTask inserts a new task. Status defaults to pending and mode to
// execution when unset; timestamps are filled by the store.
func (s *Store) CreateTask(ctx context.Context, task *protocol.Task) error {
	if task.Status == "" {
		task.Status = protocol.TaskPending
	}
	if task.Mode == "" {
		task.Mode = protocol.ModeExecution
	}
	if err := s.validateParentChain(ctx, task.ID, task.ParentTaskID); err != nil {
		return err
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workspace_id, title, description, status, priority, mode,
			parent_task_id, external_source, external_id, external_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.WorkspaceID, task.Title, task.Description, string(task.Status),
		task.Priority, string(task.Mode), nullString(task.ParentTaskID),
		nullString(task.ExternalSource), nullString(task.ExternalID), nullString(task.ExternalURL),
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

// validateParentChain walks a prospective task's ancestor links and rejects
// any chain that loops back to the task itself, self-reference included.
// Rows already in the table satisfy the tree invariant, so the walk
// terminates; a link to a not-yet-created parent ends it early.
func (s *Store) validateParentChain(ctx context.Context, id, parentID string) error {
	for pid := parentID; pid != ""; {
		if pid == id {
			return fmt.Errorf("create task %s: %w", id, protocol.ErrParentCycle)
		}
		parent, err := s.GetTask(ctx, pid)
		if err != nil {
			var nf *protocol.NotFoundError
			if errors.As(err, &nf) {
				return nil
			}
			return err
		}
		pid = parent.ParentTaskID
	}
	return nil
}

// UpsertExternalTask inserts a task sourced from an upstream event. When a
// task with the same (external_source, external_id) already exists, the
// existing row's title, description, and URL are refreshed and created=false
// is returned; re-delivery of the same upstream event never duplicates work.
func (s *Store) UpsertExternalTask(ctx context.Context, task *protocol.Task) (created bool, err error) {
	if task.ExternalSource == "" || task.ExternalID == "" {
		return false, errors.New("external task requires source and external id")
	}
	if task.Status == "" {
		task.Status = protocol.TaskPending
	}
	if task.Mode == "" {
		task.Mode = protocol.ModeExecution
	}
	if err := s.validateParentChain(ctx, task.ID, task.ParentTaskID); err != nil {
		return false, err
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now

	// A single conflict-tolerant insert decides created-vs-existing, so two
	// racing re-deliveries of the same upstream event both dedupe instead of
	// the loser surfacing a constraint error.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workspace_id, title, description, status, priority, mode,
			parent_task_id, external_source, external_id, external_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_source, external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		task.ID, task.WorkspaceID, task.Title, task.Description, string(task.Status),
		task.Priority, string(task.Mode), nullString(task.ParentTaskID),
		task.ExternalSource, task.ExternalID, nullString(task.ExternalURL),
		formatTime(now), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("insert external task %s/%s: %w", task.ExternalSource, task.ExternalID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert external task rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	// Existing row: refresh the upstream-owned fields and adopt its identity.
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, external_url = ?, updated_at = ?
		 WHERE external_source = ? AND external_id = ?
		 RETURNING `+taskColumns,
		task.Title, task.Description, nullString(task.ExternalURL), formatTime(s.now()),
		task.ExternalSource, task.ExternalID)
	existing, err := scanTask(row)
	if err != nil {
		return false, fmt.Errorf("refresh external task %s/%s: %w", task.ExternalSource, task.ExternalID, err)
	}
	*task = *existing
	return false, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*protocol.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	WorkspaceID  string
	Status       protocol.TaskStatus
	ParentTaskID string
	Limit        int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*protocol.Task, error) {
	var conds []string
	var args []any
	if f.WorkspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ParentTaskID != "" {
		conds = append(conds, "parent_task_id = ?")
		args = append(args, f.ParentTaskID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*protocol.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// NextPendingTask selects the highest-priority pending task, breaking ties by
// creation order. Optional workspace and task-id filters narrow the pool.
// Returns ErrNoEligibleTask when nothing matches.
func (s *Store) NextPendingTask(ctx context.Context, workspaceID, taskID string) (*protocol.Task, error) {
	conds := []string{"status = ?"}
	args := []any{string(protocol.TaskPending)}
	if workspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, workspaceID)
	}
	if taskID != "" {
		conds = append(conds, "id = ?")
		args = append(args, taskID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.ErrNoEligibleTask
	}
	if err != nil {
		return nil, fmt.Errorf("select pending task: %w", err)
	}
	return task, nil
}

// ClaimTask performs the atomic conditional update that decides task
// ownership: pending → assigned, only if the row is still pending. Zero rows
// affected means another claimant won the race.
func (s *Store) ClaimTask(ctx context.Context, taskID, runnerID string) (claimed bool, err error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(protocol.TaskAssigned), runnerID, now, now,
		taskID, string(protocol.TaskPending))
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %s rows affected: %w", taskID, err)
	}
	return affected == 1, nil
}

// RequeueTask resets an assigned task to pending and clears its claim fields
// so it re-enters the claim pool. Conditional on the row still being
// assigned: a requeue arriving after a fresh claim settled or completed the
// task must not clobber the newer state.
func (s *Store) RequeueTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(protocol.TaskPending), formatTime(s.now()), taskID, string(protocol.TaskAssigned))
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", taskID, err)
	}
	return nil
}

// FinishTask marks a task completed or failed.
func (s *Store) FinishTask(ctx context.Context, taskID string, status protocol.TaskStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("finish task %s: %q is not a terminal status", taskID, status)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(s.now()), taskID)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}
	return nil
}

// DeleteTask removes a task row. Deletion is the only way a task leaves the
// table; completed tasks otherwise persist as history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task %s rows affected: %w", id, err)
	}
	if affected == 0 {
		return &protocol.NotFoundError{Kind: "task", ID: id}
	}
	return nil
}

// ListChildren returns all tasks sharing a parent, for the dependency
// resolver's all-siblings-terminal check.
func (s *Store) ListChildren(ctx context.Context, parentTaskID string) ([]*protocol.Task, error) {
	return s.ListTasks(ctx, TaskFilter{ParentTaskID: parentTaskID})
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*protocol.Task, error) {
	var t protocol.Task
	var status, mode, claimedAt, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Description, &status, &t.Priority, &mode,
		&t.ParentTaskID, &t.ClaimedBy, &claimedAt,
		&t.ExternalSource, &t.ExternalID, &t.ExternalURL,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = protocol.TaskStatus(status)
	t.Mode = protocol.TaskMode(mode)
	if claimedAt != "" {
		at, err := parseTime(claimedAt)
		if err != nil {
			return nil, err
		}
		t.ClaimedAt = &at
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
