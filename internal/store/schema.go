package store

import "context"

// EnsureSchema creates the tables and indexes the store depends on. Every
// statement is idempotent, so it is safe to run on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
            id UUID PRIMARY KEY,
            site_id UUID NOT NULL,
            type TEXT NOT NULL,
            custom_type TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            priority TEXT NOT NULL,
            due_date TIMESTAMPTZ,
            assigned_to_user_id UUID,
            assigned_to_role TEXT NOT NULL DEFAULT '',
            assigned_by_user_id UUID,
            assigned_at TIMESTAMPTZ,
            required_sop_ids UUID[] NOT NULL DEFAULT '{}',
            required_training_ids UUID[] NOT NULL DEFAULT '{}',
            watchers UUID[] NOT NULL DEFAULT '{}',
            status TEXT NOT NULL,
            started_at TIMESTAMPTZ,
            completed_at TIMESTAMPTZ,
            related_entity_type TEXT NOT NULL DEFAULT '',
            related_entity_id UUID,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            version INT NOT NULL DEFAULT 1
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_site_status ON tasks(site_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_site_due ON tasks(site_id, due_date) WHERE due_date IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
            task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
            depends_on_task_id UUID NOT NULL,
            PRIMARY KEY (task_id, depends_on_task_id)
        );`,
		`CREATE TABLE IF NOT EXISTS task_state_history (
            task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
            seq INT NOT NULL,
            from_status TEXT NOT NULL,
            to_status TEXT NOT NULL,
            changed_by UUID,
            changed_at TIMESTAMPTZ NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            PRIMARY KEY (task_id, seq)
        );`,
		`CREATE TABLE IF NOT EXISTS notifications (
            id UUID PRIMARY KEY,
            site_id UUID NOT NULL,
            workspace_id TEXT NOT NULL,
            channel_id TEXT NOT NULL,
            type TEXT NOT NULL,
            payload JSONB NOT NULL,
            priority INT NOT NULL DEFAULT 0,
            request_id TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            attempt_count INT NOT NULL DEFAULT 0,
            max_attempts INT NOT NULL DEFAULT 5,
            next_attempt_at TIMESTAMPTZ NOT NULL,
            last_error TEXT,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_request_target
            ON notifications(request_id, workspace_id, channel_id);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_due
            ON notifications(next_attempt_at) WHERE status IN ('pending', 'failed');`,
		`CREATE TABLE IF NOT EXISTS slack_workspaces (
            workspace_id TEXT PRIMARY KEY,
            site_id UUID NOT NULL,
            bot_token TEXT NOT NULL,
            active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS notification_channel_mappings (
            site_id UUID NOT NULL,
            notification_type TEXT NOT NULL,
            workspace_id TEXT NOT NULL REFERENCES slack_workspaces(workspace_id),
            channel_id TEXT NOT NULL,
            active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (site_id, notification_type, workspace_id, channel_id)
        );`,
		`CREATE TABLE IF NOT EXISTS user_sop_signoffs (
            user_id UUID NOT NULL,
            sop_id UUID NOT NULL,
            signed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (user_id, sop_id)
        );`,
		`CREATE TABLE IF NOT EXISTS user_training_completions (
            user_id UUID NOT NULL,
            training_id UUID NOT NULL,
            completed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (user_id, training_id)
        );`,
		`CREATE TABLE IF NOT EXISTS site_memberships (
            user_id UUID NOT NULL,
            site_id UUID NOT NULL,
            role TEXT NOT NULL,
            active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (user_id, site_id)
        );`,
	}

	for _, q := range ddl {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
