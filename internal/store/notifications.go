package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// NotificationStore is the notify.Storage view of Store. The methods live on
// a separate receiver because orchestrator.TaskStore and notify.Storage both
// declare GetByID and Update with different signatures, which cannot coexist
// on one type.
type NotificationStore struct{ *Store }

// Notifications returns the notify.Storage view backed by the same pool.
func (s *Store) Notifications() *NotificationStore { return &NotificationStore{s} }

const notificationColumns = `
id, site_id, workspace_id, channel_id, type, payload, priority, request_id,
status, attempt_count, max_attempts, next_attempt_at, last_error,
created_at, updated_at`

func scanNotification(row pgx.Row) (*notify.Request, error) {
	var r notify.Request
	err := row.Scan(
		&r.ID, &r.SiteID, &r.WorkspaceID, &r.ChannelID, &r.Type, &r.Payload, &r.Priority, &r.RequestID,
		&r.Status, &r.AttemptCount, &r.MaxAttempts, &r.NextAttemptAt, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *NotificationStore) Exists(ctx context.Context, requestID, workspaceID, channelID string) (bool, error) {
	q := `
SELECT EXISTS (
  SELECT 1 FROM notifications
  WHERE request_id = $1 AND workspace_id = $2 AND channel_id = $3
);`
	var exists bool
	err := s.db.QueryRow(ctx, q, requestID, workspaceID, channelID).Scan(&exists)
	return exists, err
}

func (s *NotificationStore) Insert(ctx context.Context, r *notify.Request) error {
	q := `
INSERT INTO notifications (` + notificationColumns + `)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15);`

	_, err := s.db.Exec(ctx, q,
		r.ID, r.SiteID, r.WorkspaceID, r.ChannelID, r.Type, []byte(r.Payload), r.Priority, r.RequestID,
		r.Status, r.AttemptCount, r.MaxAttempts, r.NextAttemptAt, r.LastError,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		// Idempotency: a concurrent enqueuer already inserted this
		// (request_id, workspace_id, channel_id) tuple.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return notify.ErrAlreadyQueued
		}
		return err
	}
	return nil
}

func (s *NotificationStore) Update(ctx context.Context, r *notify.Request) error {
	q := `
UPDATE notifications
SET status = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5, updated_at = $6
WHERE id = $1;`

	tag, err := s.db.Exec(ctx, q, r.ID, r.Status, r.AttemptCount, r.NextAttemptAt, r.LastError, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notify.ErrNotFound
	}
	return nil
}

func (s *NotificationStore) GetByID(ctx context.Context, siteID, id uuid.UUID) (*notify.Request, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1 AND site_id = $2;`

	r, err := scanNotification(s.db.QueryRow(ctx, q, id, siteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notify.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *NotificationStore) ListFailed(ctx context.Context, siteID uuid.UUID, limit int) ([]notify.Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := `
SELECT ` + notificationColumns + `
FROM notifications
WHERE site_id = $1 AND status IN ('failed', 'exhausted')
ORDER BY updated_at DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, q, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]notify.Request, 0, limit)
	for rows.Next() {
		r, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ClaimDue claims due rows by pushing next_attempt_at one lease into the
// future inside a single statement; SKIP LOCKED keeps concurrent dispatchers
// off each other's rows, and a dispatcher that dies mid-delivery just lets the
// lease expire. Priority order is a best-effort hint across workers.
func (s *NotificationStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]notify.Request, error) {
	if limit <= 0 {
		limit = 20
	}

	leaseUntil := now.Add(s.claimLease)

	q := `
UPDATE notifications n
SET next_attempt_at = $2, updated_at = $1
FROM (
  SELECT id FROM notifications
  WHERE status IN ('pending', 'failed') AND next_attempt_at <= $1
  ORDER BY priority DESC, next_attempt_at ASC
  LIMIT $3
  FOR UPDATE SKIP LOCKED
) due
WHERE n.id = due.id
RETURNING n.id, n.site_id, n.workspace_id, n.channel_id, n.type, n.payload, n.priority, n.request_id,
          n.status, n.attempt_count, n.max_attempts, n.next_attempt_at, n.last_error,
          n.created_at, n.updated_at;`

	rows, err := s.db.Query(ctx, q, now, leaseUntil, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]notify.Request, 0, limit)
	for rows.Next() {
		r, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the subquery order.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return out, nil
}
