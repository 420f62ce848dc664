package gating

import (
	"context"
	"testing"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/task"
	"github.com/google/uuid"
)

type fakeProvider struct {
	sops      []uuid.UUID
	trainings []uuid.UUID

	sopCalls      int
	trainingCalls int
}

func (f *fakeProvider) CompletedSOPIDs(ctx context.Context, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error) {
	f.sopCalls++
	return f.sops, nil
}

func (f *fakeProvider) CompletedTrainingIDs(ctx context.Context, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error) {
	f.trainingCalls++
	return f.trainings, nil
}

func gatedTask(t *testing.T, sopIDs, trainingIDs []uuid.UUID) *task.Task {
	t.Helper()
	tk, err := task.New(task.NewTaskParams{
		SiteID:              uuid.New(),
		Type:                task.TypeHarvest,
		Title:               "Harvest flower room 1",
		RequiredSOPIDs:      sopIDs,
		RequiredTrainingIDs: trainingIDs,
	}, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	return tk
}

func TestEvaluateNotGated(t *testing.T) {
	sop := uuid.New()
	provider := &fakeProvider{sops: []uuid.UUID{sop}}
	r := NewResolver(provider)

	st, err := r.Evaluate(context.Background(), gatedTask(t, []uuid.UUID{sop}, nil), uuid.New())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if st.IsGated {
		t.Fatalf("expected not gated, got %+v", st)
	}
	if len(st.Reasons) != 0 {
		t.Fatalf("expected no reasons, got %v", st.Reasons)
	}
}

func TestEvaluateMissingBoth(t *testing.T) {
	sop := uuid.New()
	training := uuid.New()
	r := NewResolver(&fakeProvider{})

	st, err := r.Evaluate(context.Background(), gatedTask(t, []uuid.UUID{sop}, []uuid.UUID{training}), uuid.New())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !st.IsGated {
		t.Fatalf("expected gated")
	}
	if len(st.MissingSOPIDs) != 1 || st.MissingSOPIDs[0] != sop {
		t.Fatalf("expected missing sop %s, got %v", sop, st.MissingSOPIDs)
	}
	if len(st.MissingTrainingIDs) != 1 || st.MissingTrainingIDs[0] != training {
		t.Fatalf("expected missing training %s, got %v", training, st.MissingTrainingIDs)
	}
	if len(st.Reasons) != 2 || st.Reasons[0] != ReasonSOPSignoff || st.Reasons[1] != ReasonTraining {
		t.Fatalf("unexpected reasons: %v", st.Reasons)
	}
}

func TestEvaluatePartialCompletion(t *testing.T) {
	done := uuid.New()
	pending := uuid.New()
	r := NewResolver(&fakeProvider{sops: []uuid.UUID{done}})

	st, err := r.Evaluate(context.Background(), gatedTask(t, []uuid.UUID{done, pending}, nil), uuid.New())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !st.IsGated {
		t.Fatalf("expected gated")
	}
	if len(st.MissingSOPIDs) != 1 || st.MissingSOPIDs[0] != pending {
		t.Fatalf("expected missing %s, got %v", pending, st.MissingSOPIDs)
	}
}

func TestEvaluateSkipsProviderForEmptyRequirements(t *testing.T) {
	provider := &fakeProvider{}
	r := NewResolver(provider)

	st, err := r.Evaluate(context.Background(), gatedTask(t, nil, nil), uuid.New())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if st.IsGated {
		t.Fatalf("expected not gated")
	}
	if provider.sopCalls != 0 || provider.trainingCalls != 0 {
		t.Fatalf("provider must not be called for empty requirement sets (sop=%d training=%d)",
			provider.sopCalls, provider.trainingCalls)
	}
}

func TestEvaluateRequiresUser(t *testing.T) {
	r := NewResolver(&fakeProvider{})
	if _, err := r.Evaluate(context.Background(), gatedTask(t, nil, nil), uuid.Nil); err == nil {
		t.Fatalf("expected error for nil user id")
	}
}
