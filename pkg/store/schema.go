package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is the schema version new databases are created at
// and the version migrations bring old databases up to.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at
// CurrentSchemaVersion, creating it fresh if the database is new.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies migrations in order from fromVersion+1 to toVersion.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("set schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies one version's migration. There is nothing to migrate
// to yet beyond version 1 (createSchema already produces it); this switch is
// the hook future schema changes plug into, following the same
// one-function-per-version shape used for every later version.
func runMigration(_ *sql.DB, version int) error {
	switch version {
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan: %w", err)
	}
	return version, nil
}

// createSchema creates every table and index at CurrentSchemaVersion.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute pragma %s: %w", pragma, err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS stacks (
			id TEXT PRIMARY KEY,
			participant_name TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT 'ideation',
			execution_state TEXT NOT NULL DEFAULT 'idle',
			last_activity_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			total_cycles INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stacks_execution_state ON stacks(execution_state)`,

		// AgentState: one row per (stack, agent type). memory_json holds the
		// tagged-union payload for whichever agent type this row is.
		`CREATE TABLE IF NOT EXISTS agent_states (
			id TEXT PRIMARY KEY,
			stack_id TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
			agent_type TEXT NOT NULL CHECK (agent_type IN ('planner','builder','communicator','reviewer')),
			execution_state TEXT NOT NULL DEFAULT 'idle',
			current_work TEXT NOT NULL DEFAULT '',
			context_json TEXT NOT NULL DEFAULT '[]',
			memory_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE(stack_id, agent_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_states_stack ON agent_states(stack_id)`,

		`CREATE TABLE IF NOT EXISTS project_ideas (
			id TEXT PRIMARY KEY,
			stack_id TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE(stack_id)
		)`,

		`CREATE TABLE IF NOT EXISTS todos (
			id TEXT PRIMARY KEY,
			stack_id TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','in_progress','completed','cancelled')),
			priority INTEGER NOT NULL DEFAULT 5,
			assigned_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todos_stack_status ON todos(stack_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_todos_stack_priority ON todos(stack_id, priority DESC)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			from_stack_id TEXT,
			to_stack_id TEXT,
			message_type TEXT NOT NULL CHECK (message_type IN ('broadcast','direct','visitor')),
			content TEXT NOT NULL,
			read_by_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to_stack ON messages(to_stack_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,

		`CREATE TABLE IF NOT EXISTS user_messages (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			processed INTEGER NOT NULL DEFAULT 0 CHECK (processed IN (0,1)),
			response_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_messages_team_processed ON user_messages(team_id, processed)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			stack_id TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
			version INTEGER NOT NULL,
			type TEXT NOT NULL DEFAULT 'html',
			content TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT 'builder',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE(stack_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_stack_version ON artifacts(stack_id, version DESC)`,

		`CREATE TABLE IF NOT EXISTS agent_traces (
			id TEXT PRIMARY KEY,
			stack_id TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
			agent_type TEXT NOT NULL,
			thought TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_traces_stack_time ON agent_traces(stack_id, id DESC)`,

		// OrchestratorExecution doubles as the single-flight lease: the
		// partial unique index only covers status='running' rows, so a
		// second running row for the same stack violates the index. The
		// lease insert itself (TryAcquireExecutionLease) uses WHERE NOT
		// EXISTS and inserts nothing while one is running.
		`CREATE TABLE IF NOT EXISTS orchestrator_executions (
			id TEXT PRIMARY KEY,
			stack_id TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','completed','paused','failed')),
			started_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at DATETIME,
			decision TEXT NOT NULL DEFAULT '',
			pause_duration_ms INTEGER,
			graph_summary TEXT NOT NULL DEFAULT '',
			parallel_executions INTEGER NOT NULL DEFAULT 0,
			error TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orch_exec_single_flight
			ON orchestrator_executions(stack_id) WHERE status = 'running'`,
		`CREATE INDEX IF NOT EXISTS idx_orch_exec_stack_time ON orchestrator_executions(stack_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orch_exec_status ON orchestrator_executions(status)`,

		`CREATE TABLE IF NOT EXISTS execution_graphs (
			id TEXT PRIMARY KEY,
			stack_id TEXT NOT NULL REFERENCES stacks(id) ON DELETE CASCADE,
			orchestrator_execution_id TEXT NOT NULL REFERENCES orchestrator_executions(id) ON DELETE CASCADE,
			graph_json TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_graphs_stack ON execution_graphs(stack_id, id DESC)`,

		`CREATE TABLE IF NOT EXISTS work_detection_cache (
			stack_id TEXT PRIMARY KEY REFERENCES stacks(id) ON DELETE CASCADE,
			entries_json TEXT NOT NULL,
			computed_at DATETIME NOT NULL,
			valid_until DATETIME NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %s: %w", stmt, err)
		}
	}

	return setSchemaVersion(db, CurrentSchemaVersion)
}
