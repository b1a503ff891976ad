// Package eventlog provides write and read access to the broker's SQLite
// event log. The events table is foreman's observability layer: every claim,
// transition, instruction, plan action, reaper verdict, and dispatch attempt
// lands here, and the status command and dashboard read it back.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event represents a single event from the broker log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	TaskID    string
	WorkerID  string
	Payload   string
	CreatedAt time.Time
}

// Writer appends events to the log. Writes are best-effort at call sites:
// an event that fails to persist must never fail the operation it describes.
type Writer struct {
	db *sql.DB
}

// NewWriter creates a Writer over the broker database.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Log inserts one event row.
func (w *Writer) Log(ctx context.Context, evType, source, taskID, workerID, payload string) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, workerID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// WorkerID filters events to a specific worker.
	WorkerID string

	// TaskID filters events to a specific task.
	TaskID string

	// EventType filters to a specific event type (e.g. "claim", "stalled").
	EventType string

	// After filters events created at or after this time.
	After *time.Time

	// Before filters events created at or before this time.
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read access to the broker event log.
type Reader struct {
	db *sql.DB
}

// NewReader creates a Reader over the broker database.
func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Query retrieves events matching the given filter criteria, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var taskID, workerID, payload sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &taskID, &workerID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TaskID = taskID.String
		e.WorkerID = workerID.String
		e.Payload = payload.String

		if createdAt != "" {
			parsed, err := time.Parse("2006-01-02 15:04:05", createdAt)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, createdAt)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsed.UTC()
		}

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, task_id, worker_id, payload, created_at FROM events"

	if opts.WorkerID != "" {
		conditions = append(conditions, "worker_id = ?")
		args = append(args, opts.WorkerID)
	}
	if opts.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, opts.TaskID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format("2006-01-02 15:04:05"))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
