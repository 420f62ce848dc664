// Package gating decides whether a user may start a task based on the task's
// required SOP signoffs and training completions.
package gating

import (
	"context"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/task"
	"github.com/google/uuid"
)

const (
	ReasonSOPSignoff = "SOP signoff required"
	ReasonTraining   = "Training completion required"
)

// ReadinessProvider reports which of the required ids a user has already
// completed. Implemented outside this core (training/SOP services).
type ReadinessProvider interface {
	CompletedSOPIDs(ctx context.Context, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error)
	CompletedTrainingIDs(ctx context.Context, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error)
}

type Status struct {
	IsGated            bool        `json:"is_gated"`
	MissingSOPIDs      []uuid.UUID `json:"missing_sop_ids,omitempty"`
	MissingTrainingIDs []uuid.UUID `json:"missing_training_ids,omitempty"`
	Reasons            []string    `json:"reasons,omitempty"`
}

type Resolver struct {
	provider ReadinessProvider
}

func NewResolver(provider ReadinessProvider) *Resolver {
	return &Resolver{provider: provider}
}

// Evaluate computes missing = required - completed per category. The provider
// is not called at all for an empty requirement set. Reasons are one fixed
// string per gated category; callers needing the exact ids use the Missing
// collections.
func (r *Resolver) Evaluate(ctx context.Context, t *task.Task, userID uuid.UUID) (Status, error) {
	if userID == uuid.Nil {
		return Status{}, task.Validationf("user id is required for gating evaluation")
	}

	var st Status

	if len(t.RequiredSOPIDs) > 0 {
		completed, err := r.provider.CompletedSOPIDs(ctx, userID, t.RequiredSOPIDs)
		if err != nil {
			return Status{}, err
		}
		st.MissingSOPIDs = missing(t.RequiredSOPIDs, completed)
	}

	if len(t.RequiredTrainingIDs) > 0 {
		completed, err := r.provider.CompletedTrainingIDs(ctx, userID, t.RequiredTrainingIDs)
		if err != nil {
			return Status{}, err
		}
		st.MissingTrainingIDs = missing(t.RequiredTrainingIDs, completed)
	}

	if len(st.MissingSOPIDs) > 0 {
		st.Reasons = append(st.Reasons, ReasonSOPSignoff)
	}
	if len(st.MissingTrainingIDs) > 0 {
		st.Reasons = append(st.Reasons, ReasonTraining)
	}
	st.IsGated = len(st.MissingSOPIDs) > 0 || len(st.MissingTrainingIDs) > 0

	return st, nil
}

func missing(required, completed []uuid.UUID) []uuid.UUID {
	done := make(map[uuid.UUID]struct{}, len(completed))
	for _, id := range completed {
		done[id] = struct{}{}
	}
	var out []uuid.UUID
	for _, id := range required {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
