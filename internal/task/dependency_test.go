package task

import (
	"testing"

	"github.com/google/uuid"
)

func depTask(t *testing.T, status Status) *Task {
	t.Helper()
	tk, err := New(NewTaskParams{
		SiteID: uuid.New(),
		Type:   TypeInspection,
		Title:  "prerequisite",
	}, testNow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tk.Status = status
	return tk
}

func TestResolveDependenciesAllCompleted(t *testing.T) {
	tk := newTestTask(t)
	a := depTask(t, StatusCompleted)
	b := depTask(t, StatusCompleted)
	mustAddDep(t, tk, a.ID, b.ID)

	res := ResolveDependencies(tk, map[uuid.UUID]*Task{a.ID: a, b.ID: b})
	if !res.IsSatisfied {
		t.Fatalf("expected satisfied, got %+v", res)
	}
	if len(res.BlockingTaskIDs) != 0 {
		t.Fatalf("expected no blockers, got %v", res.BlockingTaskIDs)
	}
}

func TestResolveDependenciesBlocking(t *testing.T) {
	for _, status := range []Status{StatusCreated, StatusAssigned, StatusActive, StatusBlocked, StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			tk := newTestTask(t)
			prereq := depTask(t, status)
			mustAddDep(t, tk, prereq.ID)

			res := ResolveDependencies(tk, map[uuid.UUID]*Task{prereq.ID: prereq})
			if res.IsSatisfied {
				t.Fatalf("dependency in status %q must block", status)
			}
			if len(res.BlockingTaskIDs) != 1 || res.BlockingTaskIDs[0] != prereq.ID {
				t.Fatalf("expected blocker %s, got %v", prereq.ID, res.BlockingTaskIDs)
			}
			if len(res.Reasons) != 1 {
				t.Fatalf("expected one reason, got %v", res.Reasons)
			}
		})
	}
}

func TestResolveDependenciesMissingRowBlocks(t *testing.T) {
	tk := newTestTask(t)
	missing := uuid.New()
	mustAddDep(t, tk, missing)

	res := ResolveDependencies(tk, map[uuid.UUID]*Task{})
	if res.IsSatisfied {
		t.Fatalf("a dependency that failed to load must block")
	}
	if len(res.BlockingTaskIDs) != 1 || res.BlockingTaskIDs[0] != missing {
		t.Fatalf("expected blocker %s, got %v", missing, res.BlockingTaskIDs)
	}
}

func TestResolveDependenciesNoDeps(t *testing.T) {
	tk := newTestTask(t)
	res := ResolveDependencies(tk, nil)
	if !res.IsSatisfied {
		t.Fatalf("a task without dependencies is always satisfied")
	}
}

func mustAddDep(t *testing.T, tk *Task, ids ...uuid.UUID) {
	t.Helper()
	for _, id := range ids {
		if err := tk.AddDependency(id); err != nil {
			t.Fatalf("AddDependency: %v", err)
		}
	}
}
