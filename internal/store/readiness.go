package store

import (
	"context"

	"github.com/google/uuid"
)

// CompletedSOPIDs implements gating.ReadinessProvider against the SOP signoff
// table. Only ids from the required set are returned.
func (s *Store) CompletedSOPIDs(ctx context.Context, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error) {
	q := `SELECT sop_id FROM user_sop_signoffs WHERE user_id = $1 AND sop_id = ANY($2);`
	return s.queryIDs(ctx, q, userID, requiredIDs)
}

// CompletedTrainingIDs implements gating.ReadinessProvider against the
// training completion table.
func (s *Store) CompletedTrainingIDs(ctx context.Context, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error) {
	q := `SELECT training_id FROM user_training_completions WHERE user_id = $1 AND training_id = ANY($2);`
	return s.queryIDs(ctx, q, userID, requiredIDs)
}

func (s *Store) queryIDs(ctx context.Context, q string, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(requiredIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, q, userID, requiredIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
