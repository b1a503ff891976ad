package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/pkg/protocol"
)

const workerColumns = `id, account_id, task_id, status, progress, current_action,
	pending_instructions, waiting_for, COALESCE(error, ''), created_at, updated_at`

// occupyingPlaceholders returns the SQL placeholder list and args for the
// capacity-occupying status set.
func occupyingPlaceholders() (string, []any) {
	statuses := protocol.OccupyingStatuses()
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(marks, ", "), args
}

// CreateWorker inserts a worker row. Timestamps come from the store clock.
func (s *Store) CreateWorker(ctx context.Context, w *protocol.Worker) error {
	if w.Status == "" {
		w.Status = protocol.WorkerStarting
	}
	now := s.now()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, account_id, task_id, status, progress, current_action, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.AccountID, w.TaskID, string(w.Status), w.Progress, w.CurrentAction,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("create worker %s: %w", w.ID, err)
	}
	return nil
}

// GetWorker loads one worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*protocol.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "worker", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

// WorkerFilter narrows ListWorkers results. Zero values match everything.
type WorkerFilter struct {
	AccountID string
	TaskID    string
	Statuses  []protocol.WorkerStatus
	Limit     int
}

// ListWorkers returns workers matching the filter, newest first.
func (s *Store) ListWorkers(ctx context.Context, f WorkerFilter) ([]*protocol.Worker, error) {
	var conds []string
	var args []any
	if f.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + workerColumns + ` FROM workers`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*protocol.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

// OccupiedSlots recomputes the account's occupied capacity by counting
// workers in occupying statuses. Counting rather than a cached counter: a counter
// drifts under partial failures, a count cannot.
func (s *Store) OccupiedSlots(ctx context.Context, accountID string) (int, error) {
	marks, args := occupyingPlaceholders()
	args = append([]any{accountID}, args...)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE account_id = ? AND status IN (`+marks+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count occupied slots for %s: %w", accountID, err)
	}
	return n, nil
}

// UpdateWorker persists the mutable surface of a worker (status, progress,
// current action, waiting_for, error) and bumps updated_at, the liveness
// clock the reaper watches.
func (s *Store) UpdateWorker(ctx context.Context, w *protocol.Worker) error {
	waiting, err := marshalJSON(jsonOrNil(w.WaitingFor))
	if err != nil {
		return err
	}
	now := s.now()
	w.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, progress = ?, current_action = ?, waiting_for = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		string(w.Status), w.Progress, w.CurrentAction, waiting, nullString(w.Error), formatTime(now), w.ID)
	if err != nil {
		return fmt.Errorf("update worker %s: %w", w.ID, err)
	}
	return nil
}

// ForceFailWorker marks a worker failed with the given reason without any
// transition-table involvement. Reaper use only; the reason lands in the
// error column so operators can see which guard fired. Conditional on the
// worker still occupying a slot: a worker that settled or was reaped by an
// overlapping sweep reports false and stays untouched.
func (s *Store) ForceFailWorker(ctx context.Context, workerID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, error = ?, waiting_for = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?, ?)`,
		string(protocol.WorkerFailed), reason, formatTime(s.now()), workerID,
		string(protocol.WorkerStarting), string(protocol.WorkerRunning),
		string(protocol.WorkerWaitingInput), string(protocol.WorkerAwaitingPlanApproval))
	if err != nil {
		return false, fmt.Errorf("force fail worker %s: %w", workerID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("force fail worker %s rows affected: %w", workerID, err)
	}
	return affected == 1, nil
}

// SetPendingInstruction overwrites the single pending-instruction slot (last
// writer wins) and appends the instruction to the history log.
func (s *Store) SetPendingInstruction(ctx context.Context, workerID string, ins *protocol.Instruction) error {
	encoded, err := marshalJSON(ins)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin instruction tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE workers SET pending_instructions = ? WHERE id = ?`, encoded, workerID); err != nil {
		return fmt.Errorf("set pending instruction for %s: %w", workerID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO instruction_history (worker_id, type, message, created_at) VALUES (?, ?, ?, ?)`,
		workerID, ins.Type, ins.Message, formatTime(ins.Timestamp)); err != nil {
		return fmt.Errorf("append instruction history for %s: %w", workerID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit instruction tx: %w", err)
	}
	return nil
}

// TakePendingInstruction reads and clears the pending slot in one step. The
// mailbox is pull-based: the runner drains it as a side effect of its next
// status update.
func (s *Store) TakePendingInstruction(ctx context.Context, workerID string) (*protocol.Instruction, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT pending_instructions FROM workers WHERE id = ?`, workerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "worker", ID: workerID}
	}
	if err != nil {
		return nil, fmt.Errorf("read pending instruction for %s: %w", workerID, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}

	var ins protocol.Instruction
	if err := json.Unmarshal([]byte(raw.String), &ins); err != nil {
		return nil, fmt.Errorf("decode pending instruction for %s: %w", workerID, err)
	}

	// Clear only the value just read. An instruction enqueued between the
	// read and the clear stays in the slot for the next drain instead of
	// being deleted undelivered.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE workers SET pending_instructions = NULL WHERE id = ? AND pending_instructions = ?`,
		workerID, raw.String); err != nil {
		return nil, fmt.Errorf("clear pending instruction for %s: %w", workerID, err)
	}
	return &ins, nil
}

// InstructionHistory returns the append-only instruction log for a worker,
// oldest first.
func (s *Store) InstructionHistory(ctx context.Context, workerID string) ([]protocol.Instruction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, message, created_at FROM instruction_history WHERE worker_id = ? ORDER BY id ASC`,
		workerID)
	if err != nil {
		return nil, fmt.Errorf("query instruction history for %s: %w", workerID, err)
	}
	defer func() { _ = rows.Close() }()

	var history []protocol.Instruction
	for rows.Next() {
		var ins protocol.Instruction
		var created string
		if err := rows.Scan(&ins.Type, &ins.Message, &created); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		if ins.Timestamp, err = parseTime(created); err != nil {
			return nil, err
		}
		history = append(history, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instruction history: %w", err)
	}
	return history, nil
}

// StaleWorkers returns occupying workers whose updated_at is older than the
// cutoff. Workers in awaiting_plan_approval are excluded: they are waiting on
// a reviewer, not a runner, and expire on their own longer timeout.
func (s *Store) StaleWorkers(ctx context.Context, cutoff time.Time) ([]*protocol.Worker, error) {
	return s.queryWorkers(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE status IN (?, ?, ?) AND updated_at < ? ORDER BY updated_at ASC`,
		string(protocol.WorkerStarting), string(protocol.WorkerRunning), string(protocol.WorkerWaitingInput),
		formatTime(cutoff))
}

// OccupyingWorkersForAccount returns all workers currently holding a slot for
// the account.
func (s *Store) OccupyingWorkersForAccount(ctx context.Context, accountID string) ([]*protocol.Worker, error) {
	marks, args := occupyingPlaceholders()
	args = append([]any{accountID}, args...)

	return s.queryWorkers(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE account_id = ? AND status IN (`+marks+`) ORDER BY created_at ASC`,
		args...)
}

// AccountsWithOccupyingWorkers returns the distinct accounts that currently
// hold at least one capacity slot, the sweep population for heartbeat-loss
// detection.
func (s *Store) AccountsWithOccupyingWorkers(ctx context.Context) ([]string, error) {
	marks, args := occupyingPlaceholders()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT account_id FROM workers WHERE status IN (`+marks+`) ORDER BY account_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query occupying accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// WorkersAwaitingPlanSince returns workers stuck in awaiting_plan_approval
// since before the cutoff; a human never responded.
func (s *Store) WorkersAwaitingPlanSince(ctx context.Context, cutoff time.Time) ([]*protocol.Worker, error) {
	return s.queryWorkers(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`,
		string(protocol.WorkerAwaitingPlanApproval), formatTime(cutoff))
}

func (s *Store) queryWorkers(ctx context.Context, query string, args ...any) ([]*protocol.Worker, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*protocol.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

// jsonOrNil avoids encoding a typed nil pointer into the literal "null".
func jsonOrNil(w *protocol.WaitingFor) any {
	if w == nil {
		return nil
	}
	return w
}

func scanWorker(row scanner) (*protocol.Worker, error) {
	var w protocol.Worker
	var status, createdAt, updatedAt string
	var pending, waiting sql.NullString
	err := row.Scan(&w.ID, &w.AccountID, &w.TaskID, &status, &w.Progress, &w.CurrentAction,
		&pending, &waiting, &w.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = protocol.WorkerStatus(status)
	if pending.Valid && pending.String != "" {
		var ins protocol.Instruction
		if err := json.Unmarshal([]byte(pending.String), &ins); err != nil {
			return nil, fmt.Errorf("decode pending instruction: %w", err)
		}
		w.PendingInstructions = &ins
	}
	if waiting.Valid && waiting.String != "" {
		var wf protocol.WaitingFor
		if err := json.Unmarshal([]byte(waiting.String), &wf); err != nil {
			return nil, fmt.Errorf("decode waiting_for: %w", err)
		}
		w.WaitingFor = &wf
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
