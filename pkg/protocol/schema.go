package protocol

// SchemaDDL defines the SQLite schema for the foreman broker database.
// Tables: tasks, workers, instruction_history, heartbeats, plans, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
//
// All timestamps are stored as RFC 3339 UTC strings so that lexicographic
// comparison in SQL matches chronological order.
const SchemaDDL = `
-- Units of work. Completed tasks persist as history; deletion is explicit.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    priority INTEGER NOT NULL DEFAULT 0,
    mode TEXT NOT NULL DEFAULT 'execution',
    parent_task_id TEXT,
    claimed_by TEXT,
    claimed_at TEXT,
    external_source TEXT,
    external_id TEXT,
    external_url TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Re-delivery of the same upstream event must not duplicate a task.
CREATE UNIQUE INDEX IF NOT EXISTS tasks_external_idx
    ON tasks(external_source, external_id) WHERE external_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS tasks_claim_idx ON tasks(status, priority, created_at);
CREATE INDEX IF NOT EXISTS tasks_parent_idx ON tasks(parent_task_id) WHERE parent_task_id IS NOT NULL;

-- One row per claim; never deleted, only marked terminal.
CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'starting',
    progress INTEGER NOT NULL DEFAULT 0,
    current_action TEXT NOT NULL DEFAULT '',
    pending_instructions TEXT,
    waiting_for TEXT,
    error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS workers_account_idx ON workers(account_id, status);
CREATE INDEX IF NOT EXISTS workers_staleness_idx ON workers(status, updated_at);

-- Append-only instruction log per worker.
CREATE TABLE IF NOT EXISTS instruction_history (
    id INTEGER PRIMARY KEY,
    worker_id TEXT NOT NULL,
    type TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS instruction_history_worker_idx ON instruction_history(worker_id, id);

-- Per-account liveness signal, last write wins.
CREATE TABLE IF NOT EXISTS heartbeats (
    account_id TEXT PRIMARY KEY,
    last_heartbeat_at TEXT NOT NULL
);

-- At most one live plan per worker; resubmission replaces content in place.
CREATE TABLE IF NOT EXISTS plans (
    worker_id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    submitted_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Broker event log: claims, transitions, instructions, reaper and dispatch
-- actions. The row id doubles as a monotonic version for consumers that
-- dedupe duplicate notifications.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT,
    worker_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS events_worker_idx ON events(worker_id, id);
CREATE INDEX IF NOT EXISTS events_type_idx ON events(type, id);
`
