// Package orchestrator composes the task aggregate, the gating and dependency
// resolvers, persistence, and the notification queue into the operations a
// caller may invoke. Task-mutation failures propagate synchronously;
// notification and event failures are logged and never fail the task
// operation.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/gating"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/observability"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/task"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cycle walk visit cap; a legitimate prerequisite chain never gets near this.
const maxGraphVisits = 1000

type Service struct {
	tasks    TaskStore
	gating   *gating.Resolver
	auth     SiteAuthorizer
	notifier Notifier
	events   EventPublisher
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(tasks TaskStore, g *gating.Resolver, auth SiteAuthorizer, notifier Notifier, events EventPublisher, logger *zap.Logger) *Service {
	return &Service{
		tasks:    tasks,
		gating:   g,
		auth:     auth,
		notifier: notifier,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

type CreateTaskParams struct {
	SiteID              uuid.UUID
	Type                task.Type
	CustomType          string
	Title               string
	Description         string
	Priority            task.Priority
	DueDate             *time.Time
	RequiredSOPIDs      []uuid.UUID
	RequiredTrainingIDs []uuid.UUID
	DependsOnTaskIDs    []uuid.UUID
	RelatedEntityType   string
	RelatedEntityID     *uuid.UUID
	CreatedBy           uuid.UUID
}

func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (*task.Task, error) {
	if p.CreatedBy == uuid.Nil {
		return nil, task.Validationf("creating user id is required")
	}

	t, err := task.New(task.NewTaskParams{
		SiteID:              p.SiteID,
		Type:                p.Type,
		CustomType:          p.CustomType,
		Title:               p.Title,
		Description:         p.Description,
		Priority:            p.Priority,
		DueDate:             p.DueDate,
		RequiredSOPIDs:      p.RequiredSOPIDs,
		RequiredTrainingIDs: p.RequiredTrainingIDs,
		RelatedEntityType:   p.RelatedEntityType,
		RelatedEntityID:     p.RelatedEntityID,
	}, s.now())
	if err != nil {
		return nil, err
	}

	for _, dep := range p.DependsOnTaskIDs {
		if err := s.validateDependency(ctx, t, dep); err != nil {
			return nil, err
		}
		if err := t.AddDependency(dep); err != nil {
			return nil, err
		}
	}

	if err := s.tasks.Add(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	observability.TaskOperationsTotal.WithLabelValues("create", "ok").Inc()
	return t, nil
}

type AssignTaskParams struct {
	SiteID     uuid.UUID
	TaskID     uuid.UUID
	AssigneeID *uuid.UUID
	Role       string
	AssignerID uuid.UUID
}

// AssignTask moves a task to Assigned. Assignment to a specific user first
// passes the external site-authorization check; a denial aborts with no
// mutation.
func (s *Service) AssignTask(ctx context.Context, p AssignTaskParams) (*task.Task, error) {
	t, err := s.tasks.GetByID(ctx, p.SiteID, p.TaskID)
	if err != nil {
		return nil, err
	}

	if p.AssigneeID != nil && *p.AssigneeID != uuid.Nil {
		decision, err := s.auth.ValidateCrossSiteAssignment(ctx, p.AssignerID, *p.AssigneeID, p.SiteID)
		if err != nil {
			return nil, fmt.Errorf("assignment authorization: %w", err)
		}
		if !decision.IsAllowed {
			observability.TaskOperationsTotal.WithLabelValues("assign", "denied").Inc()
			return nil, task.Rulef("assignment not permitted: %s", decision.FailureReason)
		}
	}

	if err := t.Assign(p.AssigneeID, p.Role, p.AssignerID, s.now()); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}

	observability.TaskOperationsTotal.WithLabelValues("assign", "ok").Inc()
	s.publishEventBestEffort(ctx, t, "task.assigned", p.AssignerID)
	s.notifyBestEffort(ctx, t, notify.TypeTaskAssigned, s.assignRequestID(t))
	return t, nil
}

// StartResult carries the outcome of a start attempt. Exactly one of the
// three shapes applies: gated (status unchanged), blocked (task moved to
// Blocked with the unsatisfied dependencies), or started (task Active).
type StartResult struct {
	Task         *task.Task       `json:"task"`
	Gating       *gating.Status   `json:"gating,omitempty"`
	Dependencies *task.Resolution `json:"dependencies,omitempty"`
}

func (r StartResult) Started() bool {
	return r.Task != nil && r.Task.Status == task.StatusActive
}

// StartTask runs the gating check first; if gated, nothing is mutated. Then
// the dependency check; if unsatisfied, the task transitions to Blocked with
// the resolver's reason. Only when both pass does the task go Active.
func (s *Service) StartTask(ctx context.Context, siteID, taskID, userID uuid.UUID) (StartResult, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return StartResult{}, err
	}
	if t.Status != task.StatusCreated && t.Status != task.StatusAssigned {
		return StartResult{}, task.Transitionf("cannot start a task in status %q", t.Status)
	}

	gate, err := s.gating.Evaluate(ctx, t, userID)
	if err != nil {
		return StartResult{}, fmt.Errorf("gating evaluation: %w", err)
	}
	if gate.IsGated {
		observability.TaskOperationsTotal.WithLabelValues("start", "gated").Inc()
		return StartResult{Task: t, Gating: &gate}, nil
	}

	res, err := s.resolveDependencies(ctx, t)
	if err != nil {
		return StartResult{}, err
	}
	if !res.IsSatisfied {
		reason := "waiting on prerequisite tasks"
		if len(res.Reasons) > 0 {
			reason = res.Reasons[0]
		}
		if err := t.Block(reason, userID, s.now()); err != nil {
			return StartResult{}, err
		}
		if err := s.tasks.Update(ctx, t); err != nil {
			return StartResult{}, err
		}
		observability.TaskOperationsTotal.WithLabelValues("start", "blocked").Inc()
		s.publishEventBestEffort(ctx, t, "task.blocked", userID)
		s.notifyBestEffort(ctx, t, notify.TypeTaskBlocked, "")
		return StartResult{Task: t, Dependencies: &res}, nil
	}

	if err := t.Start(userID, s.now()); err != nil {
		return StartResult{}, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return StartResult{}, err
	}

	observability.TaskOperationsTotal.WithLabelValues("start", "ok").Inc()
	s.publishEventBestEffort(ctx, t, "task.started", userID)
	s.notifyBestEffort(ctx, t, notify.TypeTaskStarted, fmt.Sprintf("task:%s:started", t.ID))
	return StartResult{Task: t}, nil
}

func (s *Service) CompleteTask(ctx context.Context, siteID, taskID, userID uuid.UUID) (*task.Task, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return nil, err
	}
	if err := t.Complete(userID, s.now()); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}

	observability.TaskOperationsTotal.WithLabelValues("complete", "ok").Inc()
	s.publishEventBestEffort(ctx, t, "task.completed", userID)
	s.notifyBestEffort(ctx, t, notify.TypeTaskCompleted, fmt.Sprintf("task:%s:completed", t.ID))
	return t, nil
}

// CancelTask moves any non-terminal task to Cancelled. No notification is
// enqueued automatically; callers that want one use SendNotification.
func (s *Service) CancelTask(ctx context.Context, siteID, taskID uuid.UUID, reason string, userID uuid.UUID) (*task.Task, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return nil, err
	}
	if err := t.Cancel(reason, userID, s.now()); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}

	observability.TaskOperationsTotal.WithLabelValues("cancel", "ok").Inc()
	s.publishEventBestEffort(ctx, t, "task.cancelled", userID)
	return t, nil
}

// UnblockTask returns a blocked task to its pre-start status; the caller then
// re-attempts StartTask, which re-runs gating and dependency resolution.
func (s *Service) UnblockTask(ctx context.Context, siteID, taskID, userID uuid.UUID) (*task.Task, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return nil, err
	}
	if err := t.Unblock(userID, s.now()); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	observability.TaskOperationsTotal.WithLabelValues("unblock", "ok").Inc()
	return t, nil
}

type UpdateTaskParams struct {
	SiteID uuid.UUID
	TaskID uuid.UUID

	Description       *string
	DueDate           *time.Time
	ClearDueDate      bool
	Priority          *task.Priority
	RelatedEntityType *string
	RelatedEntityID   *uuid.UUID
}

func (s *Service) UpdateTask(ctx context.Context, p UpdateTaskParams) (*task.Task, error) {
	t, err := s.tasks.GetByID(ctx, p.SiteID, p.TaskID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if p.Description != nil {
		t.UpdateDescription(*p.Description, now)
	}
	if p.ClearDueDate {
		t.UpdateDueDate(nil, now)
	} else if p.DueDate != nil {
		t.UpdateDueDate(p.DueDate, now)
	}
	if p.Priority != nil {
		if err := t.UpdatePriority(*p.Priority, now); err != nil {
			return nil, err
		}
	}
	if p.RelatedEntityType != nil {
		if err := t.SetRelatedEntity(*p.RelatedEntityType, p.RelatedEntityID, now); err != nil {
			return nil, err
		}
	}

	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	observability.TaskOperationsTotal.WithLabelValues("update", "ok").Inc()
	return t, nil
}

// AddDependency validates the prerequisite (same site, exists) and rejects
// edges that would close a cycle, then persists the new edge.
func (s *Service) AddDependency(ctx context.Context, siteID, taskID, dependsOn uuid.UUID) (*task.Task, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.validateDependency(ctx, t, dependsOn); err != nil {
		return nil, err
	}
	if err := t.AddDependency(dependsOn); err != nil {
		return nil, err
	}
	t.UpdatedAt = s.now()
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) AddWatcher(ctx context.Context, siteID, taskID, userID uuid.UUID) (*task.Task, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return nil, err
	}
	if err := t.AddWatcher(userID, s.now()); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) RemoveWatcher(ctx context.Context, siteID, taskID, userID uuid.UUID) (*task.Task, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return nil, err
	}
	if err := t.RemoveWatcher(userID, s.now()); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, siteID, taskID uuid.UUID) (*task.Task, error) {
	return s.tasks.GetByID(ctx, siteID, taskID)
}

func (s *Service) GetTaskHistory(ctx context.Context, siteID, taskID uuid.UUID) ([]task.StateChange, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return nil, err
	}
	return t.StateHistory(), nil
}

func (s *Service) ListTasks(ctx context.Context, siteID uuid.UUID, filter TaskFilter) ([]task.Task, error) {
	return s.tasks.ListBySite(ctx, siteID, filter)
}

func (s *Service) ListOverdueTasks(ctx context.Context, siteID uuid.UUID) ([]task.Task, error) {
	return s.tasks.ListOverdue(ctx, siteID, s.now())
}

// EvaluateGating runs the readiness check without mutating anything.
func (s *Service) EvaluateGating(ctx context.Context, siteID, taskID, userID uuid.UUID) (gating.Status, error) {
	t, err := s.tasks.GetByID(ctx, siteID, taskID)
	if err != nil {
		return gating.Status{}, err
	}
	return s.gating.Evaluate(ctx, t, userID)
}

func (s *Service) resolveDependencies(ctx context.Context, t *task.Task) (task.Resolution, error) {
	if len(t.Dependencies) == 0 {
		return task.Resolution{IsSatisfied: true}, nil
	}
	ids := make([]uuid.UUID, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		ids = append(ids, d.DependsOnTaskID)
	}
	loaded, err := s.tasks.GetByIDs(ctx, t.SiteID, ids)
	if err != nil {
		return task.Resolution{}, fmt.Errorf("load dependency tasks: %w", err)
	}
	return task.ResolveDependencies(t, loaded), nil
}

// validateDependency checks the prerequisite exists in the same site and that
// the new edge does not close a cycle (walk from the prerequisite; reaching t
// means t is already upstream of it).
func (s *Service) validateDependency(ctx context.Context, t *task.Task, dependsOn uuid.UUID) error {
	if dependsOn == t.ID {
		return task.Rulef("a task cannot depend on itself")
	}

	visited := map[uuid.UUID]struct{}{}
	frontier := []uuid.UUID{dependsOn}
	for len(frontier) > 0 {
		if len(visited) > maxGraphVisits {
			return task.Rulef("dependency graph too large to validate")
		}

		batch := make([]uuid.UUID, 0, len(frontier))
		for _, id := range frontier {
			if _, ok := visited[id]; ok {
				continue
			}
			visited[id] = struct{}{}
			batch = append(batch, id)
		}
		frontier = frontier[:0]
		if len(batch) == 0 {
			break
		}

		loaded, err := s.tasks.GetByIDs(ctx, t.SiteID, batch)
		if err != nil {
			return fmt.Errorf("load dependency graph: %w", err)
		}
		for _, id := range batch {
			prereq, ok := loaded[id]
			if !ok || prereq == nil {
				if id == dependsOn {
					return task.Rulef("dependency task %s does not exist in site %s", id, t.SiteID)
				}
				// fail-closed also applies to the walk
				return task.Rulef("dependency task %s could not be loaded during cycle check", id)
			}
			for _, d := range prereq.Dependencies {
				if d.DependsOnTaskID == t.ID {
					return task.Rulef("dependency on task %s would create a cycle", dependsOn)
				}
				frontier = append(frontier, d.DependsOnTaskID)
			}
		}
	}
	return nil
}

// notifyBestEffort enqueues a lifecycle notification. Failures are logged and
// never propagate: a notification outage means a delayed alert, not a failed
// task action.
func (s *Service) notifyBestEffort(ctx context.Context, t *task.Task, nt notify.Type, requestID string) {
	if s.notifier == nil {
		return
	}

	payload, err := json.Marshal(taskNotificationPayload(t))
	if err != nil {
		s.logger.Error("failed to marshal notification payload", zap.Error(err),
			zap.String("task_id", t.ID.String()))
		return
	}

	if _, err := s.notifier.Enqueue(ctx, notify.EnqueueParams{
		SiteID:    t.SiteID,
		Type:      nt,
		Payload:   payload,
		Priority:  t.Priority.Rank(),
		RequestID: requestID,
	}); err != nil {
		s.logger.Error("failed to enqueue notification", zap.Error(err),
			zap.String("task_id", t.ID.String()),
			zap.String("type", string(nt)),
		)
		return
	}
	observability.NotificationsEnqueuedTotal.WithLabelValues(string(nt)).Inc()
}

func (s *Service) publishEventBestEffort(ctx context.Context, t *task.Task, event string, actor uuid.UUID) {
	if s.events == nil {
		return
	}
	ev := TaskEvent{
		TaskID:     t.ID,
		SiteID:     t.SiteID,
		Event:      event,
		Status:     string(t.Status),
		ActorID:    actor,
		OccurredAt: s.now(),
	}
	if err := s.events.PublishTaskEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to publish task event", zap.Error(err),
			zap.String("task_id", t.ID.String()),
			zap.String("event", event),
		)
	}
}

func (s *Service) assignRequestID(t *task.Task) string {
	target := t.AssignedToRole
	if t.AssignedToUserID != nil {
		target = t.AssignedToUserID.String()
	}
	return fmt.Sprintf("task:%s:assigned:%s", t.ID, target)
}

type notificationPayload struct {
	TaskID     uuid.UUID  `json:"task_id"`
	SiteID     uuid.UUID  `json:"site_id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	Priority   string     `json:"priority"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	AssignedTo *uuid.UUID `json:"assigned_to,omitempty"`
}

func taskNotificationPayload(t *task.Task) notificationPayload {
	return notificationPayload{
		TaskID:     t.ID,
		SiteID:     t.SiteID,
		Title:      t.Title,
		Status:     string(t.Status),
		Priority:   string(t.Priority),
		DueDate:    t.DueDate,
		AssignedTo: t.AssignedToUserID,
	}
}

// SendNotification is the pass-through for callers that compose their own
// payload (e.g. a cancellation alert).
func (s *Service) SendNotification(ctx context.Context, p notify.EnqueueParams) ([]notify.Request, error) {
	if s.notifier == nil {
		return nil, fmt.Errorf("notifications are not configured")
	}
	queued, err := s.notifier.Enqueue(ctx, p)
	if err != nil {
		return nil, err
	}
	observability.NotificationsEnqueuedTotal.WithLabelValues(string(p.Type)).Inc()
	return queued, nil
}
