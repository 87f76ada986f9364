package store

import (
	"context"
	"fmt"
	"time"
)

// migration is one immutable schema step. Versions are applied in ascending
// order and recorded in schema_migrations, so a run is idempotent.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				source_type TEXT NOT NULL,
				source_ref TEXT NOT NULL DEFAULT '',
				source_content TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'planning',
				plan_summary TEXT NOT NULL DEFAULT '',
				initial_plan TEXT NOT NULL DEFAULT '',
				max_parallel_tasks INTEGER NOT NULL DEFAULT 1 CHECK (max_parallel_tasks >= 1),
				auto_create_workspaces INTEGER NOT NULL DEFAULT 0,
				config TEXT NOT NULL DEFAULT '{}',
				locked_by_session_id TEXT,
				locked_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS repositories (
				id TEXT PRIMARY KEY,
				path TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_repositories (
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
				added_at TIMESTAMP NOT NULL,
				PRIMARY KEY (workflow_id, repository_id)
			)`,
			`CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				workflow_id TEXT REFERENCES workflows(id) ON DELETE SET NULL,
				name TEXT NOT NULL,
				runtime TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT 'worker',
				status TEXT NOT NULL DEFAULT 'online',
				capabilities TEXT NOT NULL DEFAULT '[]',
				current_task_id TEXT,
				workspace_path TEXT NOT NULL DEFAULT '',
				last_heartbeat TIMESTAMP NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS workspaces (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				repository_id TEXT REFERENCES repositories(id),
				path TEXT NOT NULL,
				branch TEXT NOT NULL,
				base_branch TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				merge_commit TEXT NOT NULL DEFAULT '',
				pr_url TEXT NOT NULL DEFAULT '',
				config TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				sequence INTEGER NOT NULL,
				parallel_group TEXT,
				assigned_agent_id TEXT REFERENCES agents(id),
				claimed_at TIMESTAMP,
				plan TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL DEFAULT '',
				outcome_detail TEXT NOT NULL DEFAULT '',
				workspace_id TEXT REFERENCES workspaces(id) ON DELETE SET NULL,
				repository_id TEXT REFERENCES repositories(id),
				context TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (workflow_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS task_dependencies (
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				depends_on_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				dependency_type TEXT NOT NULL DEFAULT 'blocks',
				created_at TIMESTAMP NOT NULL,
				PRIMARY KEY (task_id, depends_on_id, dependency_type),
				CHECK (task_id <> depends_on_id)
			)`,
			`CREATE TABLE IF NOT EXISTS checkpoints (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				sequence INTEGER NOT NULL,
				checkpoint_type TEXT NOT NULL,
				summary TEXT NOT NULL,
				detail TEXT,
				files_changed TEXT,
				tokens_used INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				UNIQUE (task_id, sequence)
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				pid INTEGER NOT NULL,
				is_daemon INTEGER NOT NULL DEFAULT 0,
				metadata TEXT NOT NULL DEFAULT '{}',
				last_heartbeat TIMESTAMP NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				sender_id TEXT REFERENCES agents(id),
				recipient_id TEXT NOT NULL REFERENCES agents(id),
				message_type TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL DEFAULT '',
				priority TEXT NOT NULL DEFAULT 'normal',
				status TEXT NOT NULL DEFAULT 'unread',
				thread_id TEXT NOT NULL,
				reply_to_id TEXT REFERENCES messages(id),
				workflow_id TEXT REFERENCES workflows(id) ON DELETE SET NULL,
				task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
				created_at TIMESTAMP NOT NULL,
				read_at TIMESTAMP,
				expires_at TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_templates (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT NOT NULL DEFAULT '',
				template TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "indexes",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_tasks_workflow_id ON tasks(workflow_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent ON tasks(assigned_agent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_dependencies(depends_on_id)`,
			`CREATE INDEX IF NOT EXISTS idx_checkpoints_task_id ON checkpoints(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
			`CREATE INDEX IF NOT EXISTS idx_workspaces_workflow ON workspaces(workflow_id)`,
		},
	},
}

// migrate applies pending migrations in version order. Each migration runs in
// its own transaction and records its version on success.
func (s *Store) migrate(ctx context.Context) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := w.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := w.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
