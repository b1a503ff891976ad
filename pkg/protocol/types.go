// Package protocol defines the shared domain types for the foreman broker:
// tasks, workers, instructions, plan artifacts, heartbeats, and the SQLite
// schema they persist to. It has no dependencies beyond the standard library
// so every other package can import it.
package protocol

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task row.
type TaskStatus string

// Task status constants.
const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskMode selects how a runner should approach a task.
type TaskMode string

// Task mode constants.
const (
	ModeExecution TaskMode = "execution"
	ModePlanning  TaskMode = "planning"
)

// Task represents a unit of work awaiting or under execution by a worker.
type Task struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspace_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	Priority       int        `json:"priority"`
	Mode           TaskMode   `json:"mode"`
	ParentTaskID   string     `json:"parent_task_id,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ExternalSource string     `json:"external_source,omitempty"`
	ExternalID     string     `json:"external_id,omitempty"`
	ExternalURL    string     `json:"external_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WorkerStatus represents the lifecycle state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerIdle                 WorkerStatus = "idle"
	WorkerStarting             WorkerStatus = "starting"
	WorkerRunning              WorkerStatus = "running"
	WorkerWaitingInput         WorkerStatus = "waiting_input"
	WorkerAwaitingPlanApproval WorkerStatus = "awaiting_plan_approval"
	WorkerCompleted            WorkerStatus = "completed"
	WorkerFailed               WorkerStatus = "failed"
)

// Occupying reports whether a worker in this status consumes one of its
// account's concurrency slots.
func (s WorkerStatus) Occupying() bool {
	switch s {
	case WorkerStarting, WorkerRunning, WorkerWaitingInput, WorkerAwaitingPlanApproval:
		return true
	default:
		return false
	}
}

// Terminal reports whether the worker status is final. Terminal workers
// reject all further status, instruction, and plan operations.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerCompleted || s == WorkerFailed
}

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerStarting, WorkerRunning, WorkerWaitingInput,
		WorkerAwaitingPlanApproval, WorkerCompleted, WorkerFailed:
		return true
	default:
		return false
	}
}

// OccupyingStatuses returns the set of statuses that hold a capacity slot,
// in a stable order suitable for SQL IN clauses.
func OccupyingStatuses() []WorkerStatus {
	return []WorkerStatus{WorkerStarting, WorkerRunning, WorkerWaitingInput, WorkerAwaitingPlanApproval}
}

// Worker is the execution-tracking record for one runner's attempt at one
// task. Created exclusively by the claim engine, never deleted, only marked
// terminal.
type Worker struct {
	ID                  string       `json:"id"`
	AccountID           string       `json:"account_id"`
	TaskID              string       `json:"task_id"`
	Status              WorkerStatus `json:"status"`
	Progress            int          `json:"progress"`
	CurrentAction       string       `json:"current_action,omitempty"`
	PendingInstructions *Instruction `json:"pending_instructions,omitempty"`
	WaitingFor          *WaitingFor  `json:"waiting_for,omitempty"`
	Error               string       `json:"error,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Instruction is one out-of-band operator message to a worker. The pending
// slot holds at most one; the history table holds them all.
type Instruction struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Instruction type constants.
const (
	InstructionOperator    = "operator"
	InstructionRequestPlan = "request_plan"
)

// WaitingFor describes the structured prompt a worker is blocked on while in
// waiting_input. Cleared whenever the worker leaves waiting_input.
type WaitingFor struct {
	Type    string   `json:"type"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// PlanArtifact is the single live plan for a worker. Resubmission replaces
// the content in place.
type PlanArtifact struct {
	WorkerID    string    `json:"worker_id"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Heartbeat is the per-account liveness row. Last write wins; it carries no
// work state.
type Heartbeat struct {
	AccountID       string    `json:"account_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// FormatDeliveryNote produces the human-readable note returned when an
// instruction is queued, in the form:
//
//	queued <type> for worker <id>; delivered on its next status update
func FormatDeliveryNote(typ, workerID string) string {
	return fmt.Sprintf("queued %s for worker %s; delivered on its next status update", typ, workerID)
}
