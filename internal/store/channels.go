package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ActiveMappings resolves the fan-out targets configured for a
// (site, notification type) pair. Mappings of inactive workspaces are
// excluded.
func (s *Store) ActiveMappings(ctx context.Context, siteID uuid.UUID, t notify.Type) ([]notify.ChannelMapping, error) {
	q := `
SELECT m.workspace_id, m.channel_id
FROM notification_channel_mappings m
JOIN slack_workspaces w ON w.workspace_id = m.workspace_id
WHERE m.site_id = $1 AND m.notification_type = $2
  AND m.active AND w.active
ORDER BY m.workspace_id, m.channel_id;`

	rows, err := s.db.Query(ctx, q, siteID, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.ChannelMapping
	for rows.Next() {
		var m notify.ChannelMapping
		if err := rows.Scan(&m.WorkspaceID, &m.ChannelID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BotToken returns the delivery credential for an active workspace.
func (s *Store) BotToken(ctx context.Context, workspaceID string) (string, error) {
	q := `SELECT bot_token FROM slack_workspaces WHERE workspace_id = $1 AND active;`

	var token string
	err := s.db.QueryRow(ctx, q, workspaceID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("no active workspace %q", workspaceID)
	}
	if err != nil {
		return "", err
	}
	return token, nil
}
