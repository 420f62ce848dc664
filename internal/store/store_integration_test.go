package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/orchestrator"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/task"
	"github.com/google/uuid"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	st, err := New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("New store: %v", err)
	}
	t.Cleanup(st.Close)

	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return st
}

func TestTaskRoundTrip_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	created, err := task.New(task.NewTaskParams{
		SiteID:   uuid.New(),
		Type:     task.TypeWatering,
		Title:    "Water veg room 2",
		Priority: task.PriorityHigh,
	}, now)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}

	if err := st.Add(ctx, created); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1 after insert, got %d", created.Version)
	}

	got, err := st.GetByID(ctx, created.SiteID, created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Title != created.Title || got.Status != task.StatusCreated {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Site scoping.
	if _, err := st.GetByID(ctx, uuid.New(), created.ID); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong site, got %v", err)
	}
}

func TestTaskOptimisticLocking_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := task.New(task.NewTaskParams{
		SiteID: uuid.New(),
		Type:   task.TypePruning,
		Title:  "Defoliate row 4",
	}, now)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	if err := st.Add(ctx, created); err != nil {
		t.Fatalf("Add: %v", err)
	}

	a, err := st.GetByID(ctx, created.SiteID, created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	b, err := st.GetByID(ctx, created.SiteID, created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	a.UpdateDescription("first writer", now)
	if err := st.Update(ctx, a); err != nil {
		t.Fatalf("first Update: %v", err)
	}

	b.UpdateDescription("second writer", now)
	if err := st.Update(ctx, b); !errors.Is(err, orchestrator.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestNotificationUniqueTuple_Integration(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := notify.Request{
		ID:            uuid.New(),
		SiteID:        uuid.New(),
		WorkspaceID:   "W-test",
		ChannelID:     "C-test",
		Type:          notify.TypeTaskStarted,
		Payload:       []byte(`{"text":"hi"}`),
		RequestID:     uuid.NewString(),
		Status:        notify.StatusPending,
		MaxAttempts:   5,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.Notifications().Insert(ctx, &r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dup := r
	dup.ID = uuid.New()
	if err := st.Notifications().Insert(ctx, &dup); !errors.Is(err, notify.ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued for duplicate tuple, got %v", err)
	}
}

func TestClaimDueLeasesRow_Integration(t *testing.T) {
	st := testStore(t)
	st.SetClaimLease(time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	r := notify.Request{
		ID:            uuid.New(),
		SiteID:        uuid.New(),
		WorkspaceID:   "W-claim",
		ChannelID:     "C-claim",
		Type:          notify.TypeTaskCompleted,
		Payload:       []byte(`{"text":"done"}`),
		RequestID:     uuid.NewString(),
		Status:        notify.StatusPending,
		MaxAttempts:   5,
		NextAttemptAt: now.Add(-time.Second),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.Notifications().Insert(ctx, &r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	claimed, err := st.Notifications().ClaimDue(ctx, now, 100)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	found := false
	for _, c := range claimed {
		if c.ID == r.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected row to be claimed")
	}

	// Claimed rows are leased out; a second claim at the same instant skips them.
	again, err := st.Notifications().ClaimDue(ctx, now, 100)
	if err != nil {
		t.Fatalf("second ClaimDue: %v", err)
	}
	for _, c := range again {
		if c.ID == r.ID {
			t.Fatalf("row claimed twice within the lease window")
		}
	}
}
