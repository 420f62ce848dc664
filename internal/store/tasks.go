package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/orchestrator"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/task"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `
id, site_id, type, custom_type, title, description, priority, due_date,
assigned_to_user_id, assigned_to_role, assigned_by_user_id, assigned_at,
required_sop_ids, required_training_ids, watchers,
status, started_at, completed_at,
related_entity_type, related_entity_id,
created_at, updated_at, version`

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	err := row.Scan(
		&t.ID, &t.SiteID, &t.Type, &t.CustomType, &t.Title, &t.Description, &t.Priority, &t.DueDate,
		&t.AssignedToUserID, &t.AssignedToRole, &t.AssignedByUserID, &t.AssignedAt,
		&t.RequiredSOPIDs, &t.RequiredTrainingIDs, &t.Watchers,
		&t.Status, &t.StartedAt, &t.CompletedAt,
		&t.RelatedEntityType, &t.RelatedEntityID,
		&t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetByID(ctx context.Context, siteID, id uuid.UUID) (*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND site_id = $2;`

	t, err := scanTask(s.db.QueryRow(ctx, q, id, siteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orchestrator.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadDependencies(ctx, map[uuid.UUID]*task.Task{t.ID: t}); err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetByIDs loads a batch of same-site tasks with their dependency edges (the
// cycle walk needs them). Missing ids are simply absent from the result map;
// the dependency resolver treats that as unsatisfied.
func (s *Store) GetByIDs(ctx context.Context, siteID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*task.Task, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*task.Task{}, nil
	}

	q := `SELECT ` + taskColumns + ` FROM tasks WHERE site_id = $1 AND id = ANY($2);`

	rows, err := s.db.Query(ctx, q, siteID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*task.Task, len(ids))
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadDependencies(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Add(ctx context.Context, t *task.Task) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `
INSERT INTO tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
        $9, $10, $11, $12,
        $13, $14, $15,
        $16, $17, $18,
        $19, $20,
        $21, $22, 1);`

	_, err = tx.Exec(ctx, q,
		t.ID, t.SiteID, t.Type, t.CustomType, t.Title, t.Description, t.Priority, t.DueDate,
		t.AssignedToUserID, t.AssignedToRole, t.AssignedByUserID, t.AssignedAt,
		idsOrEmpty(t.RequiredSOPIDs), idsOrEmpty(t.RequiredTrainingIDs), idsOrEmpty(t.Watchers),
		t.Status, t.StartedAt, t.CompletedAt,
		t.RelatedEntityType, t.RelatedEntityID,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	t.Version = 1

	if err := writeDependencies(ctx, tx, t); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, t); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Update persists the aggregate with a compare-and-swap on (id, version).
// History rows are appended by sequence number with ON CONFLICT DO NOTHING,
// so the log stays append-only even under replays.
func (s *Store) Update(ctx context.Context, t *task.Task) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `
UPDATE tasks
SET custom_type = $3, title = $4, description = $5, priority = $6, due_date = $7,
    assigned_to_user_id = $8, assigned_to_role = $9, assigned_by_user_id = $10, assigned_at = $11,
    watchers = $12,
    status = $13, started_at = $14, completed_at = $15,
    related_entity_type = $16, related_entity_id = $17,
    updated_at = $18,
    version = version + 1
WHERE id = $1 AND version = $2
RETURNING version;`

	var newVersion int
	err = tx.QueryRow(ctx, q,
		t.ID, t.Version,
		t.CustomType, t.Title, t.Description, t.Priority, t.DueDate,
		t.AssignedToUserID, t.AssignedToRole, t.AssignedByUserID, t.AssignedAt,
		idsOrEmpty(t.Watchers),
		t.Status, t.StartedAt, t.CompletedAt,
		t.RelatedEntityType, t.RelatedEntityID,
		t.UpdatedAt,
	).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		// either not found OR version mismatch; check existence
		var exists bool
		if checkErr := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1);`, t.ID).Scan(&exists); checkErr != nil {
			return checkErr
		}
		if !exists {
			return orchestrator.ErrNotFound
		}
		return orchestrator.ErrVersionConflict
	}
	if err != nil {
		return err
	}

	if err := writeDependencies(ctx, tx, t); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	t.Version = newVersion
	return nil
}

func (s *Store) ListBySite(ctx context.Context, siteID uuid.UUID, f orchestrator.TaskFilter) ([]task.Task, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	// simple filter building (safe parameterization)
	q := `
SELECT ` + taskColumns + `
FROM tasks
WHERE site_id = $1
  AND ($2::text IS NULL OR status = $2)
  AND ($3::text IS NULL OR type = $3)
  AND ($4::uuid IS NULL OR assigned_to_user_id = $4)
ORDER BY created_at DESC
LIMIT $5 OFFSET $6;`

	var status, taskType *string
	if f.Status != nil {
		sv := string(*f.Status)
		status = &sv
	}
	if f.Type != nil {
		tv := string(*f.Type)
		taskType = &tv
	}

	rows, err := s.db.Query(ctx, q, siteID, status, taskType, f.AssignedTo, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTasks(rows, limit)
}

func (s *Store) ListOverdue(ctx context.Context, siteID uuid.UUID, now time.Time) ([]task.Task, error) {
	q := `
SELECT ` + taskColumns + `
FROM tasks
WHERE site_id = $1
  AND due_date IS NOT NULL AND due_date < $2
  AND status NOT IN ('completed', 'cancelled')
ORDER BY due_date ASC;`

	rows, err := s.db.Query(ctx, q, siteID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTasks(rows, 16)
}

func collectTasks(rows pgx.Rows, sizeHint int) ([]task.Task, error) {
	out := make([]task.Task, 0, sizeHint)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) loadDependencies(ctx context.Context, tasks map[uuid.UUID]*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}

	q := `SELECT task_id, depends_on_task_id FROM task_dependencies WHERE task_id = ANY($1);`
	rows, err := s.db.Query(ctx, q, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dependsOn uuid.UUID
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return err
		}
		if t, ok := tasks[taskID]; ok {
			t.Dependencies = append(t.Dependencies, task.Dependency{DependsOnTaskID: dependsOn})
		}
	}
	return rows.Err()
}

func (s *Store) loadHistory(ctx context.Context, t *task.Task) error {
	q := `
SELECT from_status, to_status, changed_by, changed_at, reason
FROM task_state_history
WHERE task_id = $1
ORDER BY seq ASC;`

	rows, err := s.db.Query(ctx, q, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var h task.StateChange
		if err := rows.Scan(&h.From, &h.To, &h.ChangedBy, &h.ChangedAt, &h.Reason); err != nil {
			return err
		}
		t.History = append(t.History, h)
	}
	return rows.Err()
}

func writeDependencies(ctx context.Context, tx pgx.Tx, t *task.Task) error {
	for _, d := range t.Dependencies {
		_, err := tx.Exec(ctx, `
INSERT INTO task_dependencies (task_id, depends_on_task_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING;`, t.ID, d.DependsOnTaskID)
		if err != nil {
			return fmt.Errorf("write dependency: %w", err)
		}
	}
	return nil
}

func appendHistory(ctx context.Context, tx pgx.Tx, t *task.Task) error {
	for seq, h := range t.History {
		_, err := tx.Exec(ctx, `
INSERT INTO task_state_history (task_id, seq, from_status, to_status, changed_by, changed_at, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING;`, t.ID, seq, h.From, h.To, h.ChangedBy, h.ChangedAt, h.Reason)
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return nil
}

func idsOrEmpty(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
