package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/gating"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/task"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memTaskStore mirrors the persistence contract: site-scoped lookups, copies
// on read, and a compare-and-swap on (id, version) in Update.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*task.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[uuid.UUID]*task.Task)}
}

func copyTask(t *task.Task) *task.Task {
	cp := *t
	cp.Dependencies = append([]task.Dependency(nil), t.Dependencies...)
	cp.Watchers = append([]uuid.UUID(nil), t.Watchers...)
	cp.History = append([]task.StateChange(nil), t.History...)
	return &cp
}

func (m *memTaskStore) GetByID(ctx context.Context, siteID, id uuid.UUID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.SiteID != siteID {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *memTaskStore) GetByIDs(ctx context.Context, siteID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*task.Task, len(ids))
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t.SiteID == siteID {
			out[id] = copyTask(t)
		}
	}
	return out, nil
}

func (m *memTaskStore) Add(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Version = 1
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *memTaskStore) Update(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != t.Version {
		return ErrVersionConflict
	}
	t.Version++
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *memTaskStore) ListBySite(ctx context.Context, siteID uuid.UUID, filter TaskFilter) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.SiteID != siteID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		out = append(out, *copyTask(t))
	}
	return out, nil
}

func (m *memTaskStore) ListOverdue(ctx context.Context, siteID uuid.UUID, now time.Time) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.SiteID == siteID && t.Overdue(now) {
			out = append(out, *copyTask(t))
		}
	}
	return out, nil
}

type fakeReadiness struct {
	sops      []uuid.UUID
	trainings []uuid.UUID
}

func (f *fakeReadiness) CompletedSOPIDs(ctx context.Context, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error) {
	return f.sops, nil
}

func (f *fakeReadiness) CompletedTrainingIDs(ctx context.Context, userID uuid.UUID, requiredIDs []uuid.UUID) ([]uuid.UUID, error) {
	return f.trainings, nil
}

type fakeAuthorizer struct {
	decision AssignmentDecision
}

func (f *fakeAuthorizer) ValidateCrossSiteAssignment(ctx context.Context, assignerID, assigneeID, siteID uuid.UUID) (AssignmentDecision, error) {
	return f.decision, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	params []notify.EnqueueParams
}

func (n *recordingNotifier) Enqueue(ctx context.Context, p notify.EnqueueParams) ([]notify.Request, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params = append(n.params, p)
	return []notify.Request{{ID: uuid.New()}}, nil
}

func (n *recordingNotifier) byType(t notify.Type) []notify.EnqueueParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.EnqueueParams
	for _, p := range n.params {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []TaskEvent
}

func (e *recordingEvents) PublishTaskEvent(ctx context.Context, ev TaskEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEvents) named(name string) []TaskEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []TaskEvent
	for _, ev := range e.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

type testHarness struct {
	svc       *Service
	store     *memTaskStore
	readiness *fakeReadiness
	auth      *fakeAuthorizer
	notifier  *recordingNotifier
	events    *recordingEvents
	siteID    uuid.UUID
	userID    uuid.UUID
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:     newMemTaskStore(),
		readiness: &fakeReadiness{},
		auth:      &fakeAuthorizer{decision: AssignmentDecision{IsAllowed: true}},
		notifier:  &recordingNotifier{},
		events:    &recordingEvents{},
		siteID:    uuid.New(),
		userID:    uuid.New(),
	}
	h.svc = NewService(h.store, gating.NewResolver(h.readiness), h.auth, h.notifier, h.events, zap.NewNop())
	return h
}

func (h *testHarness) createTask(t *testing.T, p CreateTaskParams) *task.Task {
	t.Helper()
	if p.SiteID == uuid.Nil {
		p.SiteID = h.siteID
	}
	if p.Type == "" {
		p.Type = task.TypeWatering
	}
	if p.Title == "" {
		p.Title = "Water veg room 2"
	}
	if p.CreatedBy == uuid.Nil {
		p.CreatedBy = h.userID
	}
	created, err := h.svc.CreateTask(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return created
}

func (h *testHarness) completeTask(t *testing.T, id uuid.UUID) {
	t.Helper()
	if _, err := h.svc.StartTask(context.Background(), h.siteID, id, h.userID); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if _, err := h.svc.CompleteTask(context.Background(), h.siteID, id, h.userID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
}

func TestCreateTaskRejectsMissingDependency(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateTask(context.Background(), CreateTaskParams{
		SiteID:           h.siteID,
		Type:             task.TypeWatering,
		Title:            "x",
		DependsOnTaskIDs: []uuid.UUID{uuid.New()},
		CreatedBy:        h.userID,
	})
	if err == nil {
		t.Fatalf("expected error for dependency on a nonexistent task")
	}
	if kind, _ := task.KindOf(err); kind != task.KindBusinessRule {
		t.Fatalf("expected business-rule kind, got %v", err)
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.createTask(t, CreateTaskParams{Title: "a"})
	b := h.createTask(t, CreateTaskParams{Title: "b", DependsOnTaskIDs: []uuid.UUID{a.ID}})
	c := h.createTask(t, CreateTaskParams{Title: "c", DependsOnTaskIDs: []uuid.UUID{b.ID}})

	// a -> c would close a -> c -> b -> a.
	if _, err := h.svc.AddDependency(ctx, h.siteID, a.ID, c.ID); err == nil {
		t.Fatalf("expected cycle to be rejected")
	} else if kind, _ := task.KindOf(err); kind != task.KindBusinessRule {
		t.Fatalf("expected business-rule kind, got %v", err)
	}

	// A legal edge in the other direction still works.
	if _, err := h.svc.AddDependency(ctx, h.siteID, c.ID, a.ID); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
}

func TestAssignTaskDeniedAbortsWithoutMutation(t *testing.T) {
	h := newHarness(t)
	h.auth.decision = AssignmentDecision{FailureReason: "assignee is not an active member of the site"}
	created := h.createTask(t, CreateTaskParams{})
	assignee := uuid.New()

	_, err := h.svc.AssignTask(context.Background(), AssignTaskParams{
		SiteID:     h.siteID,
		TaskID:     created.ID,
		AssigneeID: &assignee,
		AssignerID: h.userID,
	})
	if err == nil {
		t.Fatalf("expected denial")
	}
	if kind, _ := task.KindOf(err); kind != task.KindBusinessRule {
		t.Fatalf("expected business-rule kind, got %v", err)
	}

	got, err := h.svc.GetTask(context.Background(), h.siteID, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusCreated {
		t.Fatalf("denied assignment must not mutate, got status %q", got.Status)
	}
	if len(h.notifier.byType(notify.TypeTaskAssigned)) != 0 {
		t.Fatalf("denied assignment must not notify")
	}
}

func TestAssignTaskRoleOnlySkipsAuthorization(t *testing.T) {
	h := newHarness(t)
	h.auth.decision = AssignmentDecision{FailureReason: "should never be consulted"}
	created := h.createTask(t, CreateTaskParams{})

	got, err := h.svc.AssignTask(context.Background(), AssignTaskParams{
		SiteID:     h.siteID,
		TaskID:     created.ID,
		Role:       "cultivation_tech",
		AssignerID: h.userID,
	})
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if got.Status != task.StatusAssigned {
		t.Fatalf("expected assigned, got %q", got.Status)
	}
	if len(h.events.named("task.assigned")) != 1 {
		t.Fatalf("expected one task.assigned event")
	}
	if len(h.notifier.byType(notify.TypeTaskAssigned)) != 1 {
		t.Fatalf("expected one assignment notification")
	}
}

func TestStartTaskGatedLeavesStatusUnchanged(t *testing.T) {
	h := newHarness(t)
	sop := uuid.New()
	created := h.createTask(t, CreateTaskParams{RequiredSOPIDs: []uuid.UUID{sop}})

	res, err := h.svc.StartTask(context.Background(), h.siteID, created.ID, h.userID)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if res.Started() {
		t.Fatalf("expected gated, got started")
	}
	if res.Gating == nil || !res.Gating.IsGated {
		t.Fatalf("expected gating status, got %+v", res)
	}
	if len(res.Gating.MissingSOPIDs) != 1 || res.Gating.MissingSOPIDs[0] != sop {
		t.Fatalf("expected missing sop %s, got %v", sop, res.Gating.MissingSOPIDs)
	}

	got, _ := h.svc.GetTask(context.Background(), h.siteID, created.ID)
	if got.Status != task.StatusCreated {
		t.Fatalf("gated start must not mutate, got status %q", got.Status)
	}
	if len(h.events.events) != 0 {
		t.Fatalf("gated start must not publish events, got %d", len(h.events.events))
	}
}

func TestStartTaskGatingPrecedesDependencies(t *testing.T) {
	h := newHarness(t)
	prereq := h.createTask(t, CreateTaskParams{Title: "prereq"})
	created := h.createTask(t, CreateTaskParams{
		RequiredSOPIDs:   []uuid.UUID{uuid.New()},
		DependsOnTaskIDs: []uuid.UUID{prereq.ID},
	})

	res, err := h.svc.StartTask(context.Background(), h.siteID, created.ID, h.userID)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if res.Gating == nil {
		t.Fatalf("expected gating outcome before the dependency check")
	}
	if res.Dependencies != nil {
		t.Fatalf("dependency resolution must not run while gated")
	}

	got, _ := h.svc.GetTask(context.Background(), h.siteID, created.ID)
	if got.Status != task.StatusCreated {
		t.Fatalf("expected status unchanged, got %q", got.Status)
	}
}

func TestStartTaskUnsatisfiedDependencyBlocks(t *testing.T) {
	h := newHarness(t)
	prereq := h.createTask(t, CreateTaskParams{Title: "prereq"})
	created := h.createTask(t, CreateTaskParams{DependsOnTaskIDs: []uuid.UUID{prereq.ID}})

	res, err := h.svc.StartTask(context.Background(), h.siteID, created.ID, h.userID)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if res.Started() {
		t.Fatalf("expected blocked, got started")
	}
	if res.Dependencies == nil || res.Dependencies.IsSatisfied {
		t.Fatalf("expected unsatisfied resolution, got %+v", res.Dependencies)
	}
	if len(res.Dependencies.BlockingTaskIDs) != 1 || res.Dependencies.BlockingTaskIDs[0] != prereq.ID {
		t.Fatalf("expected blocker %s, got %v", prereq.ID, res.Dependencies.BlockingTaskIDs)
	}

	got, _ := h.svc.GetTask(context.Background(), h.siteID, created.ID)
	if got.Status != task.StatusBlocked {
		t.Fatalf("expected blocked, got %q", got.Status)
	}
	if len(h.events.named("task.blocked")) != 1 {
		t.Fatalf("expected one task.blocked event")
	}
	if len(h.notifier.byType(notify.TypeTaskBlocked)) != 1 {
		t.Fatalf("expected one blocked notification")
	}
}

func TestStartTaskLifecycleEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sop := uuid.New()

	prereq := h.createTask(t, CreateTaskParams{Title: "flush lines"})
	created := h.createTask(t, CreateTaskParams{
		Title:            "feed room 3",
		RequiredSOPIDs:   []uuid.UUID{sop},
		DependsOnTaskIDs: []uuid.UUID{prereq.ID},
	})

	// Gated first.
	res, err := h.svc.StartTask(ctx, h.siteID, created.ID, h.userID)
	if err != nil {
		t.Fatalf("StartTask (gated): %v", err)
	}
	if res.Gating == nil {
		t.Fatalf("expected gated outcome")
	}

	// Signoff lands; now the dependency blocks.
	h.readiness.sops = []uuid.UUID{sop}
	res, err = h.svc.StartTask(ctx, h.siteID, created.ID, h.userID)
	if err != nil {
		t.Fatalf("StartTask (blocked): %v", err)
	}
	if res.Dependencies == nil || res.Dependencies.IsSatisfied {
		t.Fatalf("expected dependency block, got %+v", res)
	}

	// Prerequisite completes; unblock and start.
	h.completeTask(t, prereq.ID)
	if _, err := h.svc.UnblockTask(ctx, h.siteID, created.ID, h.userID); err != nil {
		t.Fatalf("UnblockTask: %v", err)
	}
	res, err = h.svc.StartTask(ctx, h.siteID, created.ID, h.userID)
	if err != nil {
		t.Fatalf("StartTask (final): %v", err)
	}
	if !res.Started() {
		t.Fatalf("expected started, got %+v", res)
	}

	got, _ := h.svc.GetTask(ctx, h.siteID, created.ID)
	if got.Status != task.StatusActive {
		t.Fatalf("expected active, got %q", got.Status)
	}

	started := h.notifier.byType(notify.TypeTaskStarted)
	// prereq start + created start
	if len(started) != 2 {
		t.Fatalf("expected 2 started notifications, got %d", len(started))
	}
	wantReqID := fmt.Sprintf("task:%s:started", created.ID)
	found := false
	for _, p := range started {
		if p.RequestID == wantReqID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected deterministic request id %q, got %+v", wantReqID, started)
	}

	history, err := h.svc.GetTaskHistory(ctx, h.siteID, created.ID)
	if err != nil {
		t.Fatalf("GetTaskHistory: %v", err)
	}
	// blocked -> created -> active
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	if history[0].To != task.StatusBlocked || history[2].To != task.StatusActive {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestCompleteTaskNotifiesDeterministically(t *testing.T) {
	h := newHarness(t)
	created := h.createTask(t, CreateTaskParams{})
	h.completeTask(t, created.ID)

	completed := h.notifier.byType(notify.TypeTaskCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed notification, got %d", len(completed))
	}
	want := fmt.Sprintf("task:%s:completed", created.ID)
	if completed[0].RequestID != want {
		t.Fatalf("expected request id %q, got %q", want, completed[0].RequestID)
	}
	if len(h.events.named("task.completed")) != 1 {
		t.Fatalf("expected one task.completed event")
	}
}

func TestCancelTaskPublishesEventWithoutNotification(t *testing.T) {
	h := newHarness(t)
	created := h.createTask(t, CreateTaskParams{})

	got, err := h.svc.CancelTask(context.Background(), h.siteID, created.ID, "duplicate entry", h.userID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
	if len(h.events.named("task.cancelled")) != 1 {
		t.Fatalf("expected one task.cancelled event")
	}
	if len(h.notifier.params) != 0 {
		t.Fatalf("cancel must not enqueue notifications, got %d", len(h.notifier.params))
	}
}

func TestStartTaskRejectsWrongStatus(t *testing.T) {
	h := newHarness(t)
	created := h.createTask(t, CreateTaskParams{})
	h.completeTask(t, created.ID)

	if _, err := h.svc.StartTask(context.Background(), h.siteID, created.ID, h.userID); err == nil {
		t.Fatalf("expected error starting a completed task")
	} else if kind, _ := task.KindOf(err); kind != task.KindInvalidTransition {
		t.Fatalf("expected transition kind, got %v", err)
	}
}

func TestUpdateTaskFields(t *testing.T) {
	h := newHarness(t)
	created := h.createTask(t, CreateTaskParams{})

	desc := "make sure the runoff EC is logged"
	due := time.Now().Add(48 * time.Hour)
	prio := task.PriorityCritical

	got, err := h.svc.UpdateTask(context.Background(), UpdateTaskParams{
		SiteID:      h.siteID,
		TaskID:      created.ID,
		Description: &desc,
		DueDate:     &due,
		Priority:    &prio,
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Description != desc || got.Priority != prio || got.DueDate == nil {
		t.Fatalf("update not applied: %+v", got)
	}

	got, err = h.svc.UpdateTask(context.Background(), UpdateTaskParams{
		SiteID:       h.siteID,
		TaskID:       created.ID,
		ClearDueDate: true,
	})
	if err != nil {
		t.Fatalf("UpdateTask (clear): %v", err)
	}
	if got.DueDate != nil {
		t.Fatalf("expected due date cleared")
	}
}

func TestTaskNotFoundScopedBySite(t *testing.T) {
	h := newHarness(t)
	created := h.createTask(t, CreateTaskParams{})

	if _, err := h.svc.GetTask(context.Background(), uuid.New(), created.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for wrong site, got %v", err)
	}
}
