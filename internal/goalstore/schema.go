package goalstore

// Schema is the idempotent DDL for goals, actions, and work_items (the
// work_items table is owned by internal/workqueue but created here since
// actions.work_item_id and the foreign key live in this migration unit,
// the way cortex's internal/store.go owns every table in one schema
// constant regardless of which package's methods touch it).
const Schema = `
CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	goal_state TEXT NOT NULL DEFAULT '{}',
	world_state TEXT NOT NULL DEFAULT '{}',
	summary TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	queue_name TEXT NOT NULL DEFAULT '',
	supervisor_pid INTEGER NOT NULL DEFAULT 0,
	supervisor_started_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	goal_id TEXT NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
	parent_action_id TEXT NOT NULL DEFAULT '',
	work_item_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	preconditions TEXT NOT NULL DEFAULT '[]',
	effects TEXT NOT NULL DEFAULT '[]',
	is_compound INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	role TEXT NOT NULL DEFAULT 'implementation',
	result TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_goal ON actions(goal_id);
CREATE INDEX IF NOT EXISTS idx_actions_goal_status ON actions(goal_id, status);
CREATE INDEX IF NOT EXISTS idx_actions_parent ON actions(parent_action_id);

CREATE TABLE IF NOT EXISTS work_items (
	id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	task_description TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '{}',
	assigned_to TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	created_at INTEGER NOT NULL,
	assigned_at INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	output_tail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_work_items_queue_status ON work_items(queue_name, status, created_at, id);

CREATE TABLE IF NOT EXISTS supervisor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	goal_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_supervisor_events_goal ON supervisor_events(goal_id);
`
